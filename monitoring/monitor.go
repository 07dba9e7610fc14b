// Package monitoring serves the live state of the routers of a process over
// HTTP.
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

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/rs/xid"
	"github.com/sarchlab/cosim/broker"
	"github.com/sarchlab/cosim/core"
	"github.com/sarchlab/cosim/routing"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
)

// Router is a core or a broker that can be watched.
type Router interface {
	Name() string
	State() routing.State
	BaseSnapshot() routing.Snapshot
}

// Monitor turns a process that hosts cores and brokers into a server that
// reports their state.
type Monitor struct {
	portNumber int

	routersLock sync.RWMutex
	routers     []Router

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterRouter registers a core or a broker to be monitored.
func (m *Monitor) RegisterRouter(r Router) {
	m.routersLock.Lock()
	defer m.routersLock.Unlock()

	m.routers = append(m.routers, r)
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

// CompleteProgressBar removes a bar from the reported ones.
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

// Handler returns the HTTP API of the monitor.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/list_routers", m.listRouters)
	r.HandleFunc("/api/router/{name}", m.listRouterDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/queues", m.listQueues)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)

	return r
}

// StartServer starts the monitor as a web server and returns its URL. The
// profiling handlers of net/http/pprof are served next to the API.
func (m *Monitor) StartServer() string {
	http.Handle("/", m.Handler())

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)

	fmt.Fprintf(os.Stderr, "Monitoring co-simulation with %s\n", url)

	go func() {
		err := http.Serve(listener, nil)
		dieOnErr(err)
	}()

	return url
}

type routerRsp struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

func (m *Monitor) listRouters(w http.ResponseWriter, _ *http.Request) {
	m.routersLock.RLock()
	defer m.routersLock.RUnlock()

	rsp := make([]routerRsp, 0, len(m.routers))
	for _, r := range m.routers {
		rsp = append(rsp, routerRsp{Name: r.Name(), State: r.State().String()})
	}

	writeJSON(w, rsp)
}

// view returns the value that stands for a router in detail queries.
func view(r Router) any {
	switch r := r.(type) {
	case *core.CommonCore:
		s := r.Snapshot()
		return &s
	case *broker.CoreBroker:
		s := r.Snapshot()
		return &s
	}

	s := r.BaseSnapshot()

	return &s
}

func (m *Monitor) listRouterDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	router := m.findRouterOr404(w, name)
	if router == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(view(router))
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type fieldReq struct {
	RouterName string `json:"router_name,omitempty"`
	FieldName  string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	jsonString := mux.Vars(r)["json"]
	req := fieldReq{}

	err := json.Unmarshal([]byte(jsonString), &req)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	router := m.findRouterOr404(w, req.RouterName)
	if router == nil {
		return
	}

	root := view(router)

	if _, err := walkFields(root, req.FieldName); err != nil {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(root)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	dieOnErr(err)

	err = serializer.Serialize(w)
	dieOnErr(err)
}

type queueRsp struct {
	Router string `json:"router"`
	Size   int    `json:"size"`
	Routes int    `json:"routes"`
	Held   int    `json:"held"`
}

func (m *Monitor) listQueues(w http.ResponseWriter, r *http.Request) {
	sortMethod, limit, offset, err := queuesParseParams(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	writeJSON(w, m.sortAndSelectQueues(sortMethod, limit, offset))
}

func queuesParseParams(
	r *http.Request,
) (sort string, limit, offset int, err error) {
	sortMethod := r.URL.Query().Get("sort")
	if sortMethod == "" {
		sortMethod = "size"
	}

	if sortMethod != "size" && sortMethod != "name" {
		return "", 0, 0, fmt.Errorf(
			"invalid sort method: %s. Allowed values are `size` and `name`",
			sortMethod)
	}

	limitNumber, err := intParam(r, "limit")
	if err != nil {
		return sortMethod, 0, 0, err
	}

	offsetNumber, err := intParam(r, "offset")
	if err != nil {
		return sortMethod, limitNumber, 0, err
	}

	if limitNumber < 0 || offsetNumber < 0 {
		return sortMethod, 0, 0, errors.New("limit and offset must not be negative")
	}

	return sortMethod, limitNumber, offsetNumber, nil
}

func intParam(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}

	return strconv.Atoi(s)
}

// sortAndSelectQueues returns a page of the queue levels. A zero limit
// selects everything after offset.
func (m *Monitor) sortAndSelectQueues(
	sortMethod string,
	limit, offset int,
) []queueRsp {
	m.routersLock.RLock()

	queues := make([]queueRsp, 0, len(m.routers))
	for _, r := range m.routers {
		s := r.BaseSnapshot()
		queues = append(queues, queueRsp{
			Router: s.Name,
			Size:   s.QueueSize,
			Routes: s.Routes,
			Held:   s.Delayed,
		})
	}

	m.routersLock.RUnlock()

	switch sortMethod {
	case "size":
		sort.SliceStable(queues, func(i, j int) bool {
			if queues[i].Size != queues[j].Size {
				return queues[i].Size > queues[j].Size
			}

			return queues[i].Router < queues[j].Router
		})
	case "name":
		sort.SliceStable(queues, func(i, j int) bool {
			return queues[i].Router < queues[j].Router
		})
	default:
		panic("Invalid sort method " + sortMethod)
	}

	if offset > len(queues) {
		offset = len(queues)
	}

	end := len(queues)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	return queues[offset:end]
}

var errFieldFormat = errors.New("field format error")

// walkFields follows a dot separated path of field names and slice indexes.
func walkFields(root any, fields string) (reflect.Value, error) {
	elem := reflect.ValueOf(root)

	fieldNames := strings.Split(fields, ".")

	for len(fieldNames) > 0 {
		switch elem.Kind() {
		case reflect.Ptr, reflect.Interface:
			elem = elem.Elem()
		case reflect.Struct:
			elem = elem.FieldByName(fieldNames[0])
			if !elem.IsValid() {
				return elem, fmt.Errorf("no field %s", fieldNames[0])
			}

			fieldNames = fieldNames[1:]
		case reflect.Slice:
			index, err := strconv.Atoi(fieldNames[0])
			if err != nil {
				return elem, errFieldFormat
			}

			if index < 0 || index >= elem.Len() {
				return elem, fmt.Errorf("index %d out of range", index)
			}

			elem = elem.Index(index)
			fieldNames = fieldNames[1:]
		default:
			return elem, fmt.Errorf("cannot walk into %s", elem.Kind())
		}
	}

	if elem.Kind() == reflect.Ptr {
		elem = elem.Elem()
	}

	return elem, nil
}

func (m *Monitor) findRouterOr404(
	w http.ResponseWriter,
	name string,
) Router {
	m.routersLock.RLock()
	defer m.routersLock.RUnlock()

	for _, r := range m.routers {
		if r.Name() == name {
			return r
		}
	}

	w.WriteHeader(http.StatusNotFound)
	_, err := w.Write([]byte("Router not found"))
	dieOnErr(err)

	return nil
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	bars := make([]progressRsp, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.snapshot())
	}

	writeJSON(w, bars)
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

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
