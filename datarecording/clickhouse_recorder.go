package datarecording

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/tebeka/atexit"
)

// clickhouseWriter batches entries into a ClickHouse database over the
// native protocol, for deployments that outlive a single SQLite file.
type clickhouseWriter struct {
	conn clickhouse.Conn

	mu         sync.Mutex
	tables     map[string]*table
	batchSize  int
	entryCount int
	run        *runRecorder
}

func newClickHouseWriter(cfg RecorderConfig) *clickhouseWriter {
	conn, err := clickhouse.Open(cfg.clickhouseOptions())
	if err != nil {
		panic(fmt.Errorf("failed to connect to ClickHouse: %w", err))
	}

	if err := conn.Ping(context.Background()); err != nil {
		panic(fmt.Errorf("failed to ping ClickHouse: %w", err))
	}

	w := &clickhouseWriter{
		conn:      conn,
		batchSize: cfg.BatchSize,
		tables:    make(map[string]*table),
	}
	if w.batchSize == 0 {
		w.batchSize = defaultBatchSize
	}

	atexit.Register(func() { w.Flush() })

	w.run = newRunRecorder(w)
	w.run.Start()

	return w
}

// clickhouseOptions turns the config into connection options, preferring
// the DSN when one is given.
func (c RecorderConfig) clickhouseOptions() *clickhouse.Options {
	var opts *clickhouse.Options

	if c.ConnStr != "" {
		parsed, err := clickhouse.ParseDSN(c.ConnStr)
		if err != nil {
			panic(fmt.Errorf("bad ClickHouse connection string: %w", err))
		}

		opts = parsed
	} else {
		opts = &clickhouse.Options{
			Addr: []string{fmt.Sprintf("%s:%d", c.Host, c.Port)},
			Auth: clickhouse.Auth{
				Database: c.Database,
				Username: c.Username,
				Password: c.Password,
			},
		}
	}

	opts.Settings = clickhouse.Settings{
		"max_execution_time": 60,
	}
	opts.DialTimeout = time.Second * 30
	opts.MaxOpenConns = 5
	opts.MaxIdleConns = 5
	opts.ConnMaxLifetime = time.Hour
	opts.ConnOpenStrategy = clickhouse.ConnOpenInOrder
	opts.BlockBufferSize = 10

	return opts
}

// CreateTable creates a MergeTree table shaped after the sample entry.
func (w *clickhouseWriter) CreateTable(tableName string, sampleEntry any) {
	if err := checkStructFields(sampleEntry); err != nil {
		panic(err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	createSQL := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n\t%s\n) "+
			"ENGINE = MergeTree()\nORDER BY tuple()",
		tableName, strings.Join(clickhouseColumns(sampleEntry), ",\n\t"))

	err := w.conn.Exec(context.Background(), createSQL)
	if err != nil {
		panic(fmt.Errorf("failed to create table %s: %w", tableName, err))
	}

	w.tables[tableName] = &table{
		structType: reflect.TypeOf(sampleEntry),
		entries:    []any{},
	}
}

func clickhouseColumns(sampleEntry any) []string {
	structType := reflect.TypeOf(sampleEntry)

	columns := make([]string, 0, structType.NumField())
	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		columns = append(columns, fmt.Sprintf("%s %s",
			field.Name, clickhouseColumnType(field.Type.Kind())))
	}

	return columns
}

func clickhouseColumnType(kind reflect.Kind) string {
	switch kind {
	case reflect.Bool:
		return "Bool"
	case reflect.Int8:
		return "Int8"
	case reflect.Int16:
		return "Int16"
	case reflect.Int32:
		return "Int32"
	case reflect.Int64, reflect.Int:
		return "Int64"
	case reflect.Uint8:
		return "UInt8"
	case reflect.Uint16:
		return "UInt16"
	case reflect.Uint32:
		return "UInt32"
	case reflect.Uint64, reflect.Uint:
		return "UInt64"
	case reflect.Float32:
		return "Float32"
	case reflect.Float64:
		return "Float64"
	case reflect.String:
		return "String"
	default:
		panic(fmt.Sprintf("unsupported column kind %s", kind))
	}
}

func (w *clickhouseWriter) InsertData(tableName string, entry any) {
	w.mu.Lock()

	table, exists := w.tables[tableName]
	if !exists {
		w.mu.Unlock()
		panic(fmt.Sprintf("table %s does not exist", tableName))
	}

	table.entries = append(table.entries, entry)
	w.entryCount++

	if w.entryCount >= w.batchSize {
		w.mu.Unlock()
		w.Flush()
		return
	}

	w.mu.Unlock()
}

func (w *clickhouseWriter) ListTables() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	tables := make([]string, 0, len(w.tables))
	for name := range w.tables {
		tables = append(tables, name)
	}

	return tables
}

// Flush sends every buffered batch.
func (w *clickhouseWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.entryCount == 0 {
		return
	}

	ctx := context.Background()

	for tableName, table := range w.tables {
		if len(table.entries) == 0 {
			continue
		}

		w.flushTable(ctx, tableName, table)
	}

	w.entryCount = 0
}

func (w *clickhouseWriter) flushTable(
	ctx context.Context,
	tableName string,
	table *table,
) {
	batch, err := w.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s", tableName))
	if err != nil {
		panic(fmt.Errorf("failed to prepare batch for %s: %w",
			tableName, err))
	}

	for _, entry := range table.entries {
		if err := batch.Append(columnValues(entry)...); err != nil {
			panic(fmt.Errorf("failed to append to batch: %w", err))
		}
	}

	if err := batch.Send(); err != nil {
		panic(fmt.Errorf("failed to send batch: %w", err))
	}

	table.entries = table.entries[:0]
}

// columnValues widens int and uint fields so they match the Int64 and
// UInt64 columns they were declared as.
func columnValues(entry any) []any {
	values := reflect.ValueOf(entry)

	v := make([]any, 0, values.NumField())
	for i := 0; i < values.NumField(); i++ {
		field := values.Field(i)

		switch field.Kind() {
		case reflect.Int:
			v = append(v, field.Int())
		case reflect.Uint:
			v = append(v, field.Uint())
		default:
			v = append(v, field.Interface())
		}
	}

	return v
}

// Close records the run's end, flushes, and closes the connection.
func (w *clickhouseWriter) Close() error {
	if w.run != nil {
		w.run.End()
		w.run = nil
	}

	w.Flush()

	return w.conn.Close()
}
