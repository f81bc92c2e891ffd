package aresolv

import (
	"fmt"
	"sync"

	vm "github.com/VictoriaMetrics/metrics"
	"github.com/miekg/dns"
)

// Metrics feeds latency data into timeout computation and records the
// outcome of every query.
type Metrics interface {
	// ServerTimeout returns the base timeout in milliseconds for the next
	// attempt against srv.
	ServerTimeout(srv *Server, now Timeval) int

	// Record is invoked once per finished query with its final status and,
	// if any, the response that ended it. srv is nil when the query did not
	// end on a particular server (for example ErrNoServers, an exhausted
	// retry budget, or Close).
	Record(now Timeval, q *Query, srv *Server, status error, resp *dns.Msg)
}

// Smallest base timeout the estimator will suggest, so a burst of fast
// answers cannot collapse the window below network jitter.
const minServerTimeout = 250

// BasicMetrics is the default Metrics: a per-server smoothed RTT driving the
// timeout, with query outcomes exported as Prometheus-style counters.
type BasicMetrics struct {
	baseTimeout int

	mu   sync.Mutex
	srtt map[string]int // smoothed RTT per server address, ms
}

// NewBasicMetrics returns a latency tracker that suggests baseTimeout until
// real measurements arrive.
func NewBasicMetrics(baseTimeout int) *BasicMetrics {
	return &BasicMetrics{
		baseTimeout: baseTimeout,
		srtt:        make(map[string]int),
	}
}

func (m *BasicMetrics) ServerTimeout(srv *Server, now Timeval) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	srtt, ok := m.srtt[srv.Addr()]
	if !ok {
		return m.baseTimeout
	}
	tp := srtt * 3
	if tp < minServerTimeout {
		tp = minServerTimeout
	}
	if tp > m.baseTimeout {
		tp = m.baseTimeout
	}
	return tp
}

func (m *BasicMetrics) Record(now Timeval, q *Query, srv *Server, status error, resp *dns.Msg) {
	addr := "none"
	if srv != nil {
		addr = srv.Addr()
	}
	if status == nil {
		vm.GetOrCreateCounter(fmt.Sprintf(`aresolv_queries_completed_total{server=%q}`, addr)).Inc()
	} else {
		vm.GetOrCreateCounter(fmt.Sprintf(`aresolv_queries_failed_total{server=%q,status=%q}`, addr, status)).Inc()
	}
	if q.TimeoutsObserved() > 0 {
		vm.GetOrCreateCounter(fmt.Sprintf(`aresolv_query_timeouts_total{server=%q}`, addr)).Add(q.TimeoutsObserved())
	}
	if status != nil || srv == nil {
		return
	}
	sample := millisBetween(q.SentAt(), now)
	m.mu.Lock()
	if srtt, ok := m.srtt[srv.Addr()]; ok {
		m.srtt[srv.Addr()] = (7*srtt + sample) / 8
	} else {
		m.srtt[srv.Addr()] = sample
	}
	m.mu.Unlock()
}
