// Package datarecording persists run data, envelope traces included,
// into SQLite files or a ClickHouse cluster.
package datarecording

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/structs"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// DataRecorder is a backend that can record and store data.
type DataRecorder interface {
	// CreateTable creates a new table shaped after the sample entry.
	CreateTable(tableName string, sampleEntry any)

	// InsertData buffers one entry of the table's type for writing.
	InsertData(tableName string, entry any)

	// ListTables returns the names of all created tables.
	ListTables() []string

	// Flush writes all buffered entries out.
	Flush()

	// Close flushes and releases the backend.
	Close() error
}

// RecorderConfig selects and configures a recording backend.
type RecorderConfig struct {
	// Type is "sqlite" (the default) or "clickhouse".
	Type string

	// Path is the SQLite file name, without the .sqlite3 suffix.
	Path string

	// ConnStr is a ClickHouse DSN, for example
	// clickhouse://localhost:9000/runs?username=default&password=secret.
	// The individual fields below are ignored when it is set.
	ConnStr  string
	Host     string
	Port     int
	Database string
	Username string
	Password string

	BatchSize int
}

// NewDataRecorderWithConfig creates the recorder the config asks for.
func NewDataRecorderWithConfig(cfg RecorderConfig) DataRecorder {
	switch cfg.Type {
	case "", "sqlite":
		return newSQLiteWriter(cfg)
	case "clickhouse":
		return newClickHouseWriter(cfg)
	default:
		panic(fmt.Sprintf("unknown recorder type %q", cfg.Type))
	}
}

// New creates a DataRecorder backed by a fresh SQLite file. An empty
// path picks a unique name in the working directory.
func New(path string) DataRecorder {
	return newSQLiteWriter(RecorderConfig{Path: path})
}

// NewWithDB creates a DataRecorder over an existing database handle. No
// run metadata is recorded, which keeps the tables test-friendly.
func NewWithDB(db *sql.DB) DataRecorder {
	w := &sqliteWriter{
		DB:        db,
		batchSize: defaultBatchSize,
		tables:    make(map[string]*table),
	}

	atexit.Register(func() { w.Flush() })

	return w
}

const defaultBatchSize = 100000

type table struct {
	structType reflect.Type
	entries    []any
}

// sqliteWriter writes batches of entries into a SQLite database.
type sqliteWriter struct {
	*sql.DB

	dbName     string
	tables     map[string]*table
	batchSize  int
	entryCount int
	run        *runRecorder
}

func newSQLiteWriter(cfg RecorderConfig) *sqliteWriter {
	w := &sqliteWriter{
		dbName:    cfg.Path,
		batchSize: cfg.BatchSize,
		tables:    make(map[string]*table),
	}
	if w.batchSize == 0 {
		w.batchSize = defaultBatchSize
	}

	w.init()

	w.run = newRunRecorder(w)
	w.run.Start()

	atexit.Register(func() { w.Flush() })

	return w
}

// init establishes the connection, refusing to clobber an existing file.
func (t *sqliteWriter) init() {
	if t.dbName == "" {
		t.dbName = "shukuba_run_" + xid.New().String()
	}

	filename := t.dbName + ".sqlite3"

	_, err := os.Stat(filename)
	if err == nil {
		panic(fmt.Errorf("file %s already exists", filename))
	}

	fmt.Fprintf(os.Stderr, "Database created for recording: %s\n", filename)

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		panic(err)
	}

	t.DB = db
}

func isAllowedFieldKind(kind reflect.Kind) bool {
	switch kind {
	case
		reflect.Bool,
		reflect.Int,
		reflect.Int8,
		reflect.Int16,
		reflect.Int32,
		reflect.Int64,
		reflect.Uint,
		reflect.Uint8,
		reflect.Uint16,
		reflect.Uint32,
		reflect.Uint64,
		reflect.Float32,
		reflect.Float64,
		reflect.String:
		return true
	default:
		return false
	}
}

func checkStructFields(entry any) error {
	types := reflect.TypeOf(entry)
	if types.Kind() != reflect.Struct {
		return errors.New("entries must be plain structs")
	}

	for i := 0; i < types.NumField(); i++ {
		field := types.Field(i)

		if !isAllowedFieldKind(field.Type.Kind()) {
			return fmt.Errorf("field %s has unsupported type %s",
				field.Name, field.Type)
		}
	}

	return nil
}

func (t *sqliteWriter) CreateTable(tableName string, sampleEntry any) {
	err := checkStructFields(sampleEntry)
	if err != nil {
		panic(err)
	}

	n := structs.Names(sampleEntry)
	fields := strings.Join(n, ", \n\t")

	createTableSQL := `CREATE TABLE ` + tableName +
		` (` + "\n\t" + fields + "\n" + `);`
	t.mustExecute(createTableSQL)

	t.tables[tableName] = &table{
		structType: reflect.TypeOf(sampleEntry),
		entries:    []any{},
	}
}

func (t *sqliteWriter) InsertData(tableName string, entry any) {
	table, exists := t.tables[tableName]
	if !exists {
		panic(fmt.Sprintf("table %s does not exist", tableName))
	}

	table.entries = append(table.entries, entry)

	t.entryCount++
	if t.entryCount >= t.batchSize {
		t.Flush()
	}
}

func (t *sqliteWriter) ListTables() []string {
	tables := make([]string, 0, len(t.tables))
	for table := range t.tables {
		tables = append(tables, table)
	}

	return tables
}

func (t *sqliteWriter) Flush() {
	if t.entryCount == 0 {
		return
	}

	t.mustExecute("BEGIN TRANSACTION")
	defer t.mustExecute("COMMIT TRANSACTION")

	for tableName, table := range t.tables {
		if len(table.entries) == 0 {
			continue
		}

		statement := t.prepareStatement(tableName, table.entries[0])

		for _, entry := range table.entries {
			v := []any{}

			values := reflect.ValueOf(entry)
			for i := 0; i < values.NumField(); i++ {
				v = append(v, values.Field(i).Interface())
			}

			_, err := statement.Exec(v...)
			if err != nil {
				panic(err)
			}
		}

		table.entries = nil

		statement.Close()
	}

	t.entryCount = 0
}

// Close records the run's end, flushes, and closes the database.
func (t *sqliteWriter) Close() error {
	if t.run != nil {
		t.run.End()
		t.run = nil
	}

	t.Flush()

	return t.DB.Close()
}

func (t *sqliteWriter) mustExecute(query string) sql.Result {
	res, err := t.Exec(query)
	if err != nil {
		fmt.Printf("Failed to execute: %s\n", query)
		panic(err)
	}

	return res
}

func (t *sqliteWriter) prepareStatement(table string, entry any) *sql.Stmt {
	n := structs.Names(entry)
	for i := 0; i < len(n); i++ {
		n[i] = "?"
	}

	sqlStr := "INSERT INTO " + table + " VALUES (" +
		strings.Join(n, ", ") + ")"

	stmt, err := t.Prepare(sqlStr)
	if err != nil {
		panic(err)
	}

	return stmt
}
