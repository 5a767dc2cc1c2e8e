// Package monitoring turns a running memory system into an HTTP server, so
// frame states, segment lists, allocations, and translations can be
// inspected from outside the process.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/vmkit/mem"
	"github.com/sarchlab/vmkit/mem/memapi"
	"github.com/sarchlab/vmkit/mem/paging"
	"github.com/sarchlab/vmkit/mem/pmm"
	"github.com/sarchlab/vmkit/mem/vmm"
)

// A FrameSource reports the state of the physical frame table. The pmm
// TableAllocator satisfies it.
type FrameSource interface {
	FrameState(f pmm.Frame) pmm.FrameState
	FreeFrameCount() uint64
	TotalFrameCount() uint64
}

// Monitor serves the state of one memory system over HTTP.
type Monitor struct {
	portNumber  int
	openBrowser bool

	mu       sync.Mutex
	frames   FrameSource
	windows  map[string]*vmm.Manager
	api      *memapi.API
	core     *paging.Core
	inspects map[string]any
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		windows:  make(map[string]*vmm.Manager),
		inspects: make(map[string]any),
	}
}

// WithPortNumber sets the port number of the monitoring server.
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

// WithBrowserLaunch makes StartServer open the server's URL in the default
// browser.
func (m *Monitor) WithBrowserLaunch() *Monitor {
	m.openBrowser = true
	return m
}

// RegisterFrameSource registers the frame table to expose.
func (m *Monitor) RegisterFrameSource(frames FrameSource) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frames = frames
	m.inspects["frames"] = frames
}

// RegisterSegmentWindow registers one segment manager under a name, e.g.
// "kernel" or "user".
func (m *Monitor) RegisterSegmentWindow(name string, window *vmm.Manager) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.windows[name] = window
	m.inspects[name] = window
}

// RegisterAPI registers the allocation layer to expose.
func (m *Monitor) RegisterAPI(api *memapi.API) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.api = api
	m.inspects["api"] = api
}

// RegisterCore registers the translation core to expose.
func (m *Monitor) RegisterCore(core *paging.Core) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.core = core
	m.inspects["core"] = core
}

// StartServer starts the monitor as a web server, on a random port unless
// one was configured.
func (m *Monitor) StartServer() {
	r := m.buildRouter()

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring memory system with %s\n", url)

	if m.openBrowser {
		if err := browser.OpenURL(url); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open browser: %s\n", err)
		}
	}

	go func() {
		err = http.Serve(listener, r)
		dieOnErr(err)
	}()
}

func (m *Monitor) buildRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/frames", m.listFrames)
	r.HandleFunc("/api/frames/{frame}", m.frameState)
	r.HandleFunc("/api/segments/{window}", m.listSegments)
	r.HandleFunc("/api/allocations", m.listAllocations)
	r.HandleFunc("/api/translate/{addr}", m.translate)
	r.HandleFunc("/api/tlb", m.tlbStats)
	r.HandleFunc("/api/inspect/{name}", m.inspect)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)

	return r
}

type framesRsp struct {
	TotalFrames uint64 `json:"total_frames"`
	FreeFrames  uint64 `json:"free_frames"`
}

func (m *Monitor) listFrames(w http.ResponseWriter, _ *http.Request) {
	frames := m.frameSource()
	if frames == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	writeJSON(w, framesRsp{
		TotalFrames: frames.TotalFrameCount(),
		FreeFrames:  frames.FreeFrameCount(),
	})
}

func (m *Monitor) frameState(w http.ResponseWriter, r *http.Request) {
	frames := m.frameSource()
	if frames == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	index, err := strconv.ParseUint(mux.Vars(r)["frame"], 0, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)
		return
	}

	state := frames.FrameState(pmm.Frame(index))
	fmt.Fprintf(w, "{\"frame\":%d,\"state\":\"%s\"}", index, state)
}

type segmentRsp struct {
	Start uint64 `json:"start"`
	Size  uint64 `json:"size"`
}

func (m *Monitor) listSegments(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	window, ok := m.windows[mux.Vars(r)["window"]]
	m.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "Window not found")
		return
	}

	segments := window.Segments()
	rsp := make([]segmentRsp, 0, len(segments))
	for _, s := range segments {
		rsp = append(rsp, segmentRsp{Start: uint64(s.Start), Size: s.Size})
	}

	writeJSON(w, rsp)
}

func (m *Monitor) listAllocations(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	api := m.api
	m.mu.Unlock()

	if api == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	writeJSON(w, api.Allocations())
}

func (m *Monitor) translate(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	core := m.core
	m.mu.Unlock()

	if core == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	addr, err := strconv.ParseUint(mux.Vars(r)["addr"], 0, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)
		return
	}

	paddr, ok := core.Translate(mem.VAddr(addr))
	fmt.Fprintf(w, "{\"vaddr\":%d,\"paddr\":%d,\"mapped\":%t}",
		addr, uint64(paddr), ok)
}

func (m *Monitor) tlbStats(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	core := m.core
	m.mu.Unlock()

	if core == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	fmt.Fprintf(w, "{\"entries\":%d}", core.TLB().Len())
}

func (m *Monitor) inspect(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	target, ok := m.inspects[mux.Vars(r)["name"]]
	m.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "Object not found")
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(target)
	serializer.SetMaxDepth(1)

	dieOnErr(serializer.Serialize(w))
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	memorySize, err := proc.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	dieOnErr(err)

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func (m *Monitor) frameSource() FrameSource {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.frames
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	dieOnErr(err)

	_, err = w.Write(data)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
