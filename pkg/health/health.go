package health

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"attribution-pipeline/pkg/store"
)

var Module = fx.Module("health",
	fx.Provide(ProvideHealth),
	fx.Invoke(Register),
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"

	pingTimeout = 2 * time.Second
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps"`
}

type HealthService interface {
	Liveness(c *gin.Context)
	Readiness(c *gin.Context)
}

// BreakerReporter lists circuit breakers that are currently open.
type BreakerReporter interface {
	Open() []string
}

type health struct {
	db       *gorm.DB
	store    store.Store
	breakers BreakerReporter
}

type HealthParams struct {
	fx.In
	DB       *gorm.DB        `optional:"true"`
	Store    store.Store     `optional:"true"`
	Breakers BreakerReporter `optional:"true"`
}

func ProvideHealth(p HealthParams) HealthService {
	return &health{
		db:       p.DB,
		store:    p.Store,
		breakers: p.Breakers,
	}
}

func Register(e *gin.Engine, h HealthService) {
	e.GET("/healthz", h.Liveness)
	e.GET("/readyz", h.Readiness)
}

func (h *health) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{
		Status:  statusHealthy,
		Message: "OK",
	})
}

// Readiness fails only when the database is unreachable. A lost store or an
// open breaker degrades the service but it can still make progress.
func (h *health) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
	defer cancel()

	this := &Health{
		Status:  statusHealthy,
		Message: "OK",
		Deps:    make([]Dependency, 0, 3),
	}
	code := http.StatusOK

	if h.db != nil {
		dep := Dependency{Name: "database", Status: statusHealthy, Message: "OK"}
		if err := pingDB(ctx, h.db); err != nil {
			dep.Status = statusUnhealthy
			dep.Message = err.Error()
			this.Status = statusUnhealthy
			this.Message = "database unreachable"
			code = http.StatusServiceUnavailable
		}
		this.Deps = append(this.Deps, dep)
	}

	if h.store != nil {
		dep := Dependency{Name: "store", Status: statusHealthy, Message: "OK"}
		if err := h.store.Ping(ctx); err != nil {
			dep.Status = statusDegraded
			dep.Message = err.Error()
			this.degrade("store unreachable")
		}
		this.Deps = append(this.Deps, dep)
	}

	if h.breakers != nil {
		dep := Dependency{Name: "breakers", Status: statusHealthy, Message: "OK"}
		if open := h.breakers.Open(); len(open) > 0 {
			dep.Status = statusDegraded
			dep.Message = "open: " + strings.Join(open, ",")
			this.degrade("circuit open")
		}
		this.Deps = append(this.Deps, dep)
	}

	c.JSON(code, this)
}

func (h *Health) degrade(msg string) {
	if h.Status == statusHealthy {
		h.Status = statusDegraded
		h.Message = msg
	}
}

func pingDB(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
