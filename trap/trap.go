// Package trap forwards subagent notifications to SNMP trap receivers.
//
// Notifications are queued by Notify without blocking and sent by a small
// pool of workers. When the queue is full the notification is dropped.
//
// # Basic Usage
//
//	f, err := trap.New(trap.Config{
//		Targets: []trap.Target{{Address: "192.0.2.10:162", Version: "2c", Community: "public"}},
//	})
//	if err != nil {
//		return err
//	}
//	f.Start(ctx)
//	defer f.Stop(ctx)
package trap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/geekxflood/agentxd/agentx"
	"github.com/geekxflood/agentxd/logging"
	"github.com/geekxflood/agentxd/master"
	"github.com/geekxflood/agentxd/oid"
	"github.com/gosnmp/gosnmp"
)

// Default settings.
const (
	DefaultQueueSize = 256
	DefaultWorkers   = 2
	DefaultTimeout   = 2 * time.Second
	DefaultCommunity = "public"
	defaultPort      = 162
)

var (
	// ErrQueueFull is returned by Enqueue when the queue has no room.
	ErrQueueFull = errors.New("trap queue full")
	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("trap forwarder stopped")
)

var (
	sysUpTimeOID          = oid.OID{1, 3, 6, 1, 2, 1, 1, 3, 0}
	snmpTrapOIDOID        = oid.OID{1, 3, 6, 1, 6, 3, 1, 1, 4, 1, 0}
	snmpTrapEnterpriseOID = oid.OID{1, 3, 6, 1, 6, 3, 1, 1, 4, 3, 0}
	snmpTrapsOID          = oid.OID{1, 3, 6, 1, 6, 3, 1, 1, 5}
)

// Target is a trap receiver.
type Target struct {
	// Address is "host" or "host:port". The port defaults to 162.
	Address string
	// Version is "1" or "2c". Empty selects "2c".
	Version string
	// Community overrides Config.Community when set.
	Community string
}

// Config holds forwarder settings.
type Config struct {
	Community string
	QueueSize int
	Workers   int
	Timeout   time.Duration
	Retries   int
	Targets   []Target
	Logger    logging.Logger
	// Sender replaces the gosnmp sender, mainly for tests.
	Sender Sender
	// Uptime returns the sysUpTime used for notifications that carry none.
	Uptime func() uint32
}

// Sender delivers one trap to one target.
type Sender interface {
	Send(ctx context.Context, t Target, trap gosnmp.SnmpTrap) error
}

// Forwarder implements master.Notifier.
type Forwarder struct {
	cfg    Config
	sender Sender
	log    *logging.ComponentLogger
	jobs   chan master.Notification

	mu      sync.RWMutex
	targets []Target
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ master.Notifier = (*Forwarder)(nil)

// New validates cfg and returns a stopped forwarder.
func New(cfg Config) (*Forwarder, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Community == "" {
		cfg.Community = DefaultCommunity
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger()
	}
	if cfg.Uptime == nil {
		started := time.Now()
		cfg.Uptime = func() uint32 { return uint32(time.Since(started) / (10 * time.Millisecond)) }
	}

	f := &Forwarder{
		cfg:  cfg,
		log:  logging.ForComponent(cfg.Logger, "trap", "forwarder"),
		jobs: make(chan master.Notification, cfg.QueueSize),
	}
	f.sender = cfg.Sender
	if f.sender == nil {
		f.sender = &snmpSender{timeout: cfg.Timeout, retries: cfg.Retries}
	}
	if err := f.SetTargets(cfg.Targets); err != nil {
		return nil, err
	}
	f.ctx, f.cancel = context.WithCancel(context.Background())
	return f, nil
}

// SetTargets replaces the receivers. It may be called at any time.
func (f *Forwarder) SetTargets(targets []Target) error {
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		if err := t.validate(); err != nil {
			return err
		}
		if t.Version == "" {
			t.Version = "2c"
		}
		if t.Community == "" {
			t.Community = f.cfg.Community
		}
		out = append(out, t)
	}

	f.mu.Lock()
	f.targets = out
	f.mu.Unlock()
	return nil
}

// Targets returns the current receivers.
func (f *Forwarder) Targets() []Target {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Target(nil), f.targets...)
}

func (t Target) validate() error {
	if t.Address == "" {
		return errors.New("trap target address cannot be empty")
	}
	if _, _, err := splitAddress(t.Address); err != nil {
		return err
	}
	switch t.Version {
	case "", "1", "2c":
		return nil
	default:
		return fmt.Errorf("unsupported trap version %q for %s", t.Version, t.Address)
	}
}

func splitAddress(addr string) (string, uint16, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		var aerr *net.AddrError
		if errors.As(err, &aerr) && aerr.Err == "missing port in address" {
			return addr, defaultPort, nil
		}
		return "", 0, fmt.Errorf("invalid trap target %q: %w", addr, err)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid trap target port %q: %w", addr, err)
	}
	return host, uint16(n), nil
}

// Start launches the workers.
func (f *Forwarder) Start(_ context.Context) {
	for i := 0; i < f.cfg.Workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
}

// Stop lets the workers drain the queue and waits for them until ctx ends.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.stopped {
		f.stopped = true
		close(f.jobs)
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		f.cancel()
		return nil
	case <-ctx.Done():
		f.cancel()
		<-done
		return ctx.Err()
	}
}

// Notify implements master.Notifier. It never blocks.
func (f *Forwarder) Notify(n master.Notification) {
	if err := f.Enqueue(n); err != nil {
		f.log.Warn("dropping notification", "session", n.Session, "error", err)
	}
}

// Enqueue queues n for delivery.
func (f *Forwarder) Enqueue(n master.Notification) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.stopped {
		return ErrStopped
	}
	select {
	case f.jobs <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

func (f *Forwarder) worker() {
	defer f.wg.Done()
	for n := range f.jobs {
		f.forward(n)
	}
}

func (f *Forwarder) forward(n master.Notification) {
	targets := f.Targets()
	if len(targets) == 0 {
		return
	}
	vbs := withUptime(n.Varbinds, f.cfg.Uptime())

	var v1 *gosnmp.SnmpTrap
	for _, t := range targets {
		var pdu gosnmp.SnmpTrap
		if t.Version == "1" {
			if v1 == nil {
				p := V1Trap(vbs)
				v1 = &p
			}
			pdu = *v1
		} else {
			pdu = V2Trap(vbs)
		}

		ctx, cancel := context.WithTimeout(f.ctx, f.cfg.Timeout*time.Duration(f.cfg.Retries+1))
		err := f.sender.Send(ctx, t, pdu)
		cancel()
		if err != nil {
			f.log.Warn("failed to send trap", "target", t.Address, "version", t.Version, "error", err)
			continue
		}
		f.log.Debug("trap sent", "target", t.Address, "session", n.Session, "varbinds", len(pdu.Variables))
	}
}

// withUptime returns vbs starting with sysUpTime.0.
func withUptime(vbs []agentx.Varbind, uptime uint32) []agentx.Varbind {
	if len(vbs) > 0 && vbs[0].Name.Equal(sysUpTimeOID) {
		return vbs
	}
	out := make([]agentx.Varbind, 0, len(vbs)+1)
	out = append(out, agentx.Varbind{Name: sysUpTimeOID, Type: gosnmp.TimeTicks, Value: uptime})
	return append(out, vbs...)
}

// V2Trap builds an SNMPv2 trap from notification varbinds that start with
// sysUpTime.0 and snmpTrapOID.0.
func V2Trap(vbs []agentx.Varbind) gosnmp.SnmpTrap {
	vars := make([]gosnmp.SnmpPDU, len(vbs))
	for i, vb := range vbs {
		vars[i] = agentx.ToSnmpPDU(vb)
	}
	return gosnmp.SnmpTrap{Variables: vars}
}

// V1Trap converts notification varbinds into an SNMPv1 trap. Generic traps
// under snmpTraps map to their generic number; anything else becomes
// enterpriseSpecific. Counter64 values cannot be carried and are dropped.
func V1Trap(vbs []agentx.Varbind) gosnmp.SnmpTrap {
	var (
		uptime     uint32
		trapOID    oid.OID
		enterprise oid.OID
		vars       []gosnmp.SnmpPDU
	)
	for _, vb := range vbs {
		switch {
		case vb.Name.Equal(sysUpTimeOID):
			uptime, _ = vb.Value.(uint32)
		case vb.Name.Equal(snmpTrapOIDOID):
			trapOID, _ = vb.Value.(oid.OID)
		case vb.Name.Equal(snmpTrapEnterpriseOID):
			enterprise, _ = vb.Value.(oid.OID)
		case vb.Type == gosnmp.Counter64:
		default:
			vars = append(vars, agentx.ToSnmpPDU(vb))
		}
	}

	t := gosnmp.SnmpTrap{
		Variables:    vars,
		AgentAddress: "0.0.0.0",
		Timestamp:    uint(uptime),
		GenericTrap:  6,
	}
	switch {
	case len(trapOID) == len(snmpTrapsOID)+1 && trapOID.HasPrefix(snmpTrapsOID) && trapOID[len(trapOID)-1] >= 1 && trapOID[len(trapOID)-1] <= 6:
		t.GenericTrap = int(trapOID[len(trapOID)-1]) - 1
		if enterprise == nil {
			enterprise = snmpTrapsOID
		}
	case len(trapOID) >= 2:
		t.SpecificTrap = int(trapOID[len(trapOID)-1])
		enterprise = trapOID[:len(trapOID)-1]
		if enterprise[len(enterprise)-1] == 0 {
			enterprise = enterprise[:len(enterprise)-1]
		}
	}
	if enterprise != nil {
		t.Enterprise = "." + enterprise.String()
	}
	return t
}

// snmpSender sends traps with gosnmp over UDP.
type snmpSender struct {
	timeout time.Duration
	retries int
}

func (s *snmpSender) Send(ctx context.Context, t Target, trap gosnmp.SnmpTrap) error {
	host, port, err := splitAddress(t.Address)
	if err != nil {
		return err
	}
	version := gosnmp.Version2c
	if t.Version == "1" {
		version = gosnmp.Version1
	}

	g := &gosnmp.GoSNMP{
		Context:   ctx,
		Target:    host,
		Port:      port,
		Transport: "udp",
		Community: t.Community,
		Version:   version,
		Timeout:   s.timeout,
		Retries:   s.retries,
	}
	if err := g.Connect(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", t.Address, err)
	}
	defer func() { _ = g.Conn.Close() }()

	if _, err := g.SendTrap(trap); err != nil {
		return fmt.Errorf("failed to send trap to %s: %w", t.Address, err)
	}
	return nil
}
