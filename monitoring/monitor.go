// Package monitoring turns a running deployment into a web server so
// its participants, queues and progress can be watched from outside.
package monitoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"reflect"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/rs/xid"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/shukuba/fed"
	"github.com/sarchlab/shukuba/monitoring/web"
)

// Monitor serves a live HTTP view over the participants of one process.
type Monitor struct {
	portNumber int
	logger     *log.Logger

	participants []fed.Participant
	queues       []*fed.Queue

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port the monitor serves on. Ports below 1000
// are refused and a random port is used instead.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n",
			portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithLogger sets where the monitor reports its address and failures.
func (m *Monitor) WithLogger(l *log.Logger) *Monitor {
	m.logger = l
	return m
}

// RegisterParticipant adds a participant to the monitor. Queue fields of
// the participant, exported or not, are picked up for the queue view.
func (m *Monitor) RegisterParticipant(p fed.Participant) {
	m.participants = append(m.participants, p)

	m.scrapeQueues(p)
}

// RegisterQueue adds a queue that does not live inside any registered
// participant.
func (m *Monitor) RegisterQueue(q *fed.Queue) {
	m.queues = append(m.queues, q)
}

func (m *Monitor) scrapeQueues(p fed.Participant) {
	v := reflect.ValueOf(p)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return
	}

	v = v.Elem()
	queueType := reflect.TypeOf((*fed.Queue)(nil))

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if field.Type() != queueType {
			continue
		}

		q := reflect.NewAt(
			field.Type(),
			unsafe.Pointer(field.UnsafeAddr()),
		).Elem().Interface().(*fed.Queue)

		if q != nil {
			m.queues = append(m.queues, q)
		}
	}
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        xid.New().String(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar from the dashboard.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

func (m *Monitor) router() *mux.Router {
	r := mux.NewRouter()

	fServer := http.FileServer(web.GetAssets())
	r.HandleFunc("/api/participants", m.listParticipants)
	r.HandleFunc("/api/participant/{name}", m.participantDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/queues", m.listQueues)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/").Handler(fServer)

	return r
}

// StartServer starts serving the monitoring API and dashboard. With
// SHUKUBA_MONITOR_OPEN=1 the dashboard opens in the local browser.
func (m *Monitor) StartServer() {
	if m.logger == nil {
		m.logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	http.Handle("/", m.router())

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	m.logger.Printf("monitoring the deployment at %s", url)

	if os.Getenv("SHUKUBA_MONITOR_OPEN") == "1" {
		if err := browser.OpenURL(url); err != nil {
			m.logger.Printf("could not open the dashboard: %v", err)
		}
	}

	go func() {
		err := http.Serve(listener, nil)
		dieOnErr(err)
	}()
}

func (m *Monitor) listParticipants(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprint(w, "[")
	for i, p := range m.participants {
		if i > 0 {
			fmt.Fprint(w, ",")
		}

		fmt.Fprintf(w, "%q", p.Name())
	}
	fmt.Fprint(w, "]")
}

func (m *Monitor) participantDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	participant := m.findParticipantOr404(w, name)
	if participant == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(participant)
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type fieldReq struct {
	ParticipantName string `json:"participant_name,omitempty"`
	FieldName       string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	jsonString := mux.Vars(r)["json"]
	req := fieldReq{}

	err := json.Unmarshal([]byte(jsonString), &req)
	if err != nil {
		dieOnErr(err)
	}

	fields := strings.Split(req.FieldName, ".")

	participant := m.findParticipantOr404(w, req.ParticipantName)
	if participant == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(participant)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(fields)
	dieOnErr(err)

	err = serializer.Serialize(w)
	dieOnErr(err)
}

func (m *Monitor) findParticipantOr404(
	w http.ResponseWriter,
	name string,
) fed.Participant {
	var participant fed.Participant
	for _, p := range m.participants {
		if p.Name() == name {
			participant = p
		}
	}

	if participant == nil {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("Participant not found"))
		dieOnErr(err)
	}

	return participant
}

func (m *Monitor) listQueues(w http.ResponseWriter, r *http.Request) {
	sortMethod, limit, offset, err := queuesParseParams(r)
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintf(w, "Error: %s", err)
		return
	}

	selected := m.sortAndSelectQueues(sortMethod, limit, offset)

	fmt.Fprint(w, "[")
	for i, q := range selected {
		if i > 0 {
			fmt.Fprint(w, ",")
		}

		fmt.Fprintf(w, "{\"queue\":%q,\"level\":%d,\"cap\":%d}",
			q.Name(), q.Len(), q.Cap())
	}
	fmt.Fprint(w, "]")
}

func queuesParseParams(
	r *http.Request,
) (sortMethod string, limit, offset int, err error) {
	sortMethod = r.URL.Query().Get("sort")
	if sortMethod == "" {
		sortMethod = "percent"
	}
	if sortMethod != "level" && sortMethod != "percent" {
		return "", 0, 0, errors.New(
			"invalid sort method: allowed values are `level` and `percent`")
	}

	limit, err = intQueryParam(r, "limit")
	if err != nil {
		return sortMethod, 0, 0, err
	}

	offset, err = intQueryParam(r, "offset")
	if err != nil {
		return sortMethod, limit, 0, err
	}

	return sortMethod, limit, offset, nil
}

func intQueryParam(r *http.Request, name string) (int, error) {
	str := r.URL.Query().Get(name)
	if str == "" {
		return 0, nil
	}

	return strconv.Atoi(str)
}

func queuePercent(q *fed.Queue) float64 {
	return float64(q.Len()) / float64(q.Cap())
}

// sortAndSelectQueues orders queue snapshots by fullness. Zero limit
// means every queue; the window is clamped to what exists.
func (m *Monitor) sortAndSelectQueues(
	sortMethod string,
	limit, offset int,
) []*fed.Queue {
	sorted := make([]*fed.Queue, len(m.queues))
	copy(sorted, m.queues)

	sort.SliceStable(sorted, func(i, j int) bool {
		if sortMethod == "level" {
			if sorted[i].Len() != sorted[j].Len() {
				return sorted[i].Len() > sorted[j].Len()
			}

			return queuePercent(sorted[i]) > queuePercent(sorted[j])
		}

		if queuePercent(sorted[i]) != queuePercent(sorted[j]) {
			return queuePercent(sorted[i]) > queuePercent(sorted[j])
		}

		return sorted[i].Len() > sorted[j].Len()
	})

	if offset > len(sorted) {
		offset = len(sorted)
	}

	end := len(sorted)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	return sorted[offset:end]
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	bytes, err := json.Marshal(m.progressBars)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memoryInfo, err := process.MemoryInfo()
	dieOnErr(err)

	rsp := resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	}

	bytes, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	dieOnErr(err)

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	encoded, err := json.Marshal(prof)
	dieOnErr(err)

	_, err = w.Write(encoded)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
