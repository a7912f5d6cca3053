package reconcile

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	apperrors "github.com/utafrali/identity/pkg/errors"
)

// Reconciliation paths.
const (
	pathRegister = "register"
	pathLogin    = "login"
	pathProvider = "provider"
)

// Metrics counts reconciliation outcomes by path.
type Metrics struct {
	total *prometheus.CounterVec
}

// NewMetrics registers identity_reconcile_total on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_reconcile_total",
			Help: "Identity reconciliation attempts by path and outcome.",
		}, []string{"path", "outcome"}),
	}
	if err := reg.Register(m.total); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) record(path string, res Resolution, err error) {
	if m == nil {
		return
	}
	m.total.WithLabelValues(path, outcome(res, err)).Inc()
}

func outcome(res Resolution, err error) string {
	switch {
	case err == nil:
		return string(res)
	case errors.Is(err, apperrors.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, apperrors.ErrConflict):
		return "conflict"
	case errors.Is(err, apperrors.ErrInvalidCredentials):
		return "rejected"
	default:
		return "error"
	}
}
