// Package manager implements the cluster manager runtime: the
// master-side listener that accepts inbound worker registrations,
// the scale-set reference-count bookkeeping that tears a group down
// once its last worker leaves, and the kill protocol that removes a
// single worker's VM.
package manager

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/mloubout/azmanagers/azure"
	"github.com/mloubout/azmanagers/internal/jsontree"
)

// HeaderCookieLen is the fixed width of the ASCII cookie a worker
// sends before its JSON self-description.
const HeaderCookieLen = 64

// pendingUpCapacity bounds the number of accepted-but-unregistered
// worker sockets the manager will hold before backpressuring new
// accepts.
const pendingUpCapacity = 32

// WorkerConfig describes a worker that has completed its handshake,
// carried from the registrar to the caller-supplied RegisterFunc.
type WorkerConfig struct {
	Conn     net.Conn
	BindAddr string
	PPI      int
	ExeName  string
	ExeFlags string
	UserData WorkerUserData
}

// WorkerUserData is the Azure-specific identity of the VM a worker
// process is running on.
type WorkerUserData struct {
	SubscriptionID string `json:"subscriptionid"`
	ResourceGroup  string `json:"resourcegroup"`
	ScaleSetName   string `json:"scalesetname"`
	InstanceID     string `json:"instanceid"`
	Name           string `json:"name"`
	MPI            bool   `json:"mpi"`
	MPISize        int    `json:"mpi_size"`
}

func (u WorkerUserData) key() azure.ScaleSetKey {
	return azure.ScaleSetKey{SubscriptionID: u.SubscriptionID, ResourceGroup: u.ResourceGroup, ScaleSet: u.ScaleSetName}
}

// handshake is the base64-JSON line a worker sends after its cookie.
type handshake struct {
	BindAddr string         `json:"bind_addr"`
	PPI      int            `json:"ppi"`
	UserData WorkerUserData `json:"userdata"`
}

// RegisterFunc attaches a freshly handshaked worker to the
// distributed-compute runtime. It is supplied by the caller because
// worker-process bootstrapping and RPC transport are outside this
// package's scope. ExitFunc is invoked by Kill to
// tell the runtime to stop the worker process before its VM is torn
// down.
type RegisterFunc func(ctx context.Context, cfg WorkerConfig) error

// ExitFunc asynchronously signals a worker to exit.
type ExitFunc func(ctx context.Context, cfg WorkerConfig)

// Manager is the process-wide cluster manager. Workers dial its
// listener; AddProcs and Kill track each scale set's reference
// count and tear a group down once it reaches zero.
type Manager struct {
	Cookie   string
	NRetry   int
	Verbose  bool
	Register RegisterFunc
	Exit     ExitFunc

	reconciler *azure.Reconciler

	listener net.Listener
	addr     string
	port     int

	pendingUp chan net.Conn
	down      sync.WaitGroup

	mu    sync.Mutex
	count map[azure.ScaleSetKey]int

	initOnce sync.Once
	initErr  error
}

// New returns a Manager bound to client's Azure REST session. Init
// must be called once before AddProcs/Kill are used.
func New(client *azure.Client, nretry int, cookie string, register RegisterFunc, exit ExitFunc) *Manager {
	return &Manager{
		Cookie:     cookie,
		NRetry:     nretry,
		Register:   register,
		Exit:       exit,
		reconciler: azure.NewReconciler(client, nretry),
		count:      make(map[azure.ScaleSetKey]int),
	}
}

// Init binds the listener (starting at port 9000 and scanning
// upward) and starts the acceptor and registrar tasks. It is
// idempotent: later calls are no-ops.
func (m *Manager) Init(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.pendingUp = make(chan net.Conn, pendingUpCapacity)
		ln, addr, port, err := listenEphemeral(9000)
		if err != nil {
			m.initErr = errors.E(errors.Fatal, "binding manager listener", err)
			return
		}
		m.listener = ln
		m.addr = addr
		m.port = port
		go m.acceptLoop()
		go m.registerLoop(ctx)
		log.Printf("manager: listening on %s:%d", addr, port)
	})
	return m.initErr
}

// Addr returns the listener's bind host ("0.0.0.0", all interfaces)
// and port, available only after Init succeeds.
func (m *Manager) Addr() (string, int) { return m.addr, m.port }

func listenEphemeral(start int) (net.Listener, string, int, error) {
	for port := start; port < start+1000; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, "0.0.0.0", port, nil
		}
	}
	return nil, "", 0, errors.E(errors.Unavailable, "no free port found starting at", start)
}

// acceptLoop accepts inbound worker sockets and pushes them into
// pendingUp; the channel's fixed capacity applies backpressure when
// many workers dial in at once.
func (m *Manager) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			log.Error.Printf("manager: accept: %v", err)
			return
		}
		m.pendingUp <- conn
	}
}

// registerLoop consumes pendingUp one socket at a time, performs the
// handshake, and hands each worker to Register, so workers are
// registered in the order their sockets were accepted.
func (m *Manager) registerLoop(ctx context.Context) {
	for conn := range m.pendingUp {
		if err := m.handshakeAndRegister(ctx, conn); err != nil {
			log.Error.Printf("manager: registering worker from %s: %v", conn.RemoteAddr(), err)
			conn.Close()
		}
	}
}

func (m *Manager) handshakeAndRegister(ctx context.Context, conn net.Conn) error {
	cookieBuf := make([]byte, HeaderCookieLen)
	if _, err := readFull(conn, cookieBuf); err != nil {
		return errors.E(errors.Net, "reading cookie", err)
	}
	got := trimRight(string(cookieBuf), ' ')
	if got != m.Cookie {
		return errors.E(errors.Invalid, "Invalid cookie")
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return errors.E(errors.Net, "reading handshake line", err)
	}
	raw, err := base64.StdEncoding.DecodeString(trimRight(line, '\n'))
	if err != nil {
		return errors.E(errors.Invalid, "decoding handshake base64", err)
	}
	var hs handshake
	if err := json.Unmarshal(raw, &hs); err != nil {
		return errors.E(errors.Invalid, "decoding handshake json", err)
	}
	cfg := WorkerConfig{
		Conn:     conn,
		BindAddr: hs.BindAddr,
		PPI:      hs.PPI,
		ExeName:  "julia",
		ExeFlags: "--worker",
		UserData: hs.UserData,
	}
	if m.Register == nil {
		return errors.E(errors.Fatal, "manager: no RegisterFunc configured")
	}
	return m.Register(ctx, cfg)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func jitterUpTo(d time.Duration) time.Duration {
	return time.Duration(rand.Int63n(int64(d)))
}

func trimRight(s string, c byte) string {
	i := len(s)
	for i > 0 && s[i-1] == c {
		i--
	}
	return s[:i]
}

// AddProcs grows (creating if necessary) the named scale set by n
// workers, patches the cloud-init/image/spot fields of template, and
// records the delta in the reference count. The caller is
// responsible for waiting for the new workers to register once
// their VMs boot. If imageName/sigImageName are both empty, new
// instances boot from whatever image the manager's own host runs.
func (m *Manager) AddProcs(ctx context.Context, key azure.ScaleSetKey, n int, location, vmSize string, spot bool, maxPrice float64, template *jsontree.Tree, authorizedKey, customData, sshUser, imageName, sigImageName, sigImageVersion string) (int, error) {
	total, err := m.reconciler.CreateOrUpdate(ctx, key, n, location, vmSize, spot, maxPrice, template, authorizedKey, customData, sshUser, imageName, sigImageName, sigImageVersion)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.count[key] += n
	m.mu.Unlock()
	return total, nil
}

// ScalesetCount returns the manager's current reference count for
// key, for diagnostics and tests.
func (m *Manager) ScalesetCount(key azure.ScaleSetKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count[key]
}

// Kill implements the worker removal protocol: it asynchronously
// signals the worker process to exit, then (for VM-owning worker
// processes) removes that worker's instance from its scale set and
// decrements the group's reference count, deleting the scale set
// entirely once the count reaches zero.
func (m *Manager) Kill(ctx context.Context, cfg WorkerConfig) {
	if m.Exit != nil {
		m.Exit(ctx, cfg)
	}
	if cfg.UserData.ScaleSetName == "" {
		// A secondary process sharing a VM with another worker; no
		// scale-set accounting to do.
		return
	}
	m.down.Add(1)
	go func() {
		defer m.down.Done()
		m.killWorkerVM(ctx, cfg)
	}()
}

func (m *Manager) killWorkerVM(ctx context.Context, cfg WorkerConfig) {
	key := cfg.UserData.key()

	select {
	case <-time.After(azure.KillSmoothingDelay()):
	case <-ctx.Done():
		return
	}

	m.mu.Lock()
	remaining := m.count[key] - 1
	if remaining < 0 {
		remaining = 0
	}
	m.count[key] = remaining
	m.mu.Unlock()

	if remaining == 0 {
		// The group is being (or was already) torn down wholesale;
		// an individual instance-delete would race with the group
		// delete below.
		if err := m.reconciler.Delete(ctx, key); err != nil {
			log.Error.Printf("manager: deleting scale set %s: %v", key.ScaleSet, err)
		}
		return
	}

	inSet, err := m.reconciler.IsVMInScaleSet(ctx, key, cfg.UserData.Name)
	if err != nil {
		log.Error.Printf("manager: checking scale-set membership for %s: %v", cfg.UserData.Name, err)
		return
	}
	if !inSet {
		log.Printf("manager: %s already removed from %s", cfg.UserData.Name, key.ScaleSet)
		return
	}

	if err := m.reconciler.DeleteInstance(ctx, key, cfg.UserData.InstanceID); err != nil {
		log.Error.Printf("manager: deleting instance %s: %v", cfg.UserData.InstanceID, err)
		return
	}

	for {
		_, gone, err := m.reconciler.InstanceState(ctx, key, cfg.UserData.InstanceID)
		if err != nil {
			log.Error.Printf("manager: polling deleted instance %s: %v", cfg.UserData.InstanceID, err)
			return
		}
		if gone {
			log.Printf("manager: confirmed deletion of %s", cfg.UserData.Name)
			return
		}
		select {
		case <-time.After(60*time.Second + jitterUpTo(10*time.Second)):
		case <-ctx.Done():
			log.Error.Printf("manager: gave up waiting for %s to be deleted: %v", cfg.UserData.Name, ctx.Err())
			return
		}
	}
}

// Close shuts down the listener. Outstanding kill tasks are awaited
// with Wait, not Close.
func (m *Manager) Close() error {
	if m.listener != nil {
		return m.listener.Close()
	}
	return nil
}

// Wait blocks until every in-flight Kill has completed: the manager
// must not terminate while kill operations are outstanding.
func (m *Manager) Wait() {
	m.down.Wait()
}
