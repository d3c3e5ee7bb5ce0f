// Package httpapi serves rosters, reports and settings to the dashboard.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"davomat/internal/apiclient"
	"davomat/internal/auth"
	"davomat/internal/clock"
	"davomat/internal/httpmiddleware"
	"davomat/internal/logger"
	"davomat/internal/roster"
	"davomat/internal/settings"
)

// Roster is the read side of a roster coordinator.
type Roster interface {
	Entries() []roster.Entry
	State() roster.State
	Date() time.Time
	LastError() error
	Threshold() clock.TimeOfDay
	SetThreshold(clock.TimeOfDay)
	RequestReload()
}

// Employees updates employee records upstream.
type Employees interface {
	UpdateEmployee(ctx context.Context, id string, patch apiclient.EmployeePatch) (roster.Person, error)
}

// Recognizer runs face recognition for a capture.
type Recognizer interface {
	Recognize(ctx context.Context, personID, imageURL string) (apiclient.RecognitionLog, error)
}

// Settings stores runtime settings.
type Settings interface {
	Get(ctx context.Context) (settings.Settings, error)
	SetLateThreshold(ctx context.Context, tod clock.TimeOfDay) error
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps wires the router.
type Deps struct {
	Rosters     map[string]Roster
	Employees   Employees
	Recognition Recognizer
	Settings    Settings
	Health      map[string]HealthCheck

	// Location reads zoned check-in times for per-row evaluation.
	Location *time.Location

	SigningKey      string
	Issuer          string
	RateLimitPerMin int
	AllowOrigins    []string
	Log             *logger.Logger
}

type handler struct {
	Deps
	log *logger.Logger
}

// NewRouter builds the gin engine.
func NewRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = logger.Discard()
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	h := &handler{Deps: d, log: d.Log.Named("http")}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Output:    d.Log.Writer(),
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(corsConfig(d.AllowOrigins)))
	r.Use(httpmiddleware.SecurityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.healthz)

	v1 := r.Group("/v1", auth.Bearer(d.SigningKey, d.Issuer))
	if d.RateLimitPerMin > 0 {
		v1.Use(httpmiddleware.NewTokenBucket(d.RateLimitPerMin, d.RateLimitPerMin).Gin())
	}
	v1.GET("/rosters/:collection", h.getRoster)
	v1.POST("/rosters/:collection/reload", h.reloadRoster)
	v1.GET("/rosters/:collection/evaluate", h.evaluate)
	v1.GET("/reports/daily", h.dailyReport)
	v1.GET("/settings", h.getSettings)
	v1.PUT("/settings/late-threshold", auth.RequireRole(auth.RoleAdmin), h.putLateThreshold)
	v1.PUT("/employees/:id", auth.RequireRole(auth.RoleAdmin), h.putEmployee)
	v1.POST("/recognitions", auth.RequireRole(auth.RoleAdmin, auth.RoleService), h.postRecognition)
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	cfg.MaxAge = 24 * time.Hour
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

func (h *handler) healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.Health {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}
