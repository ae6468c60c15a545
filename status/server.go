package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (

	// stopTimeout  is the amount of time that we'll wait before cancelling
	// the context when we stop the status http server.
	stopTimeout = 1 * time.Minute

	// Path template for the liveness endpoint.
	livePath = "%s/health"

	// Path template for the readiness endpoint.
	readyPath = "%s/ready"

	// Path template for the updating status endpoint.
	statusPath = "%s/status"

	// Path template for the schedule endpoint.
	schedulePath = "%s/schedule"

	// Path template for the books endpoint.
	booksPath = "%s/books"

	// Path template for the parameters endpoint.
	paramsPath = "%s/params"

	// Path templates for the admin endpoints.
	adminPricePath      = "%s/admin/price"
	adminParamsPath     = "%s/admin/params"
	adminTickPath       = "%s/admin/tick"
	adminCloseBooksPath = "%s/admin/closebooks"

	// Default port for the status http server.
	defaultPort = 1100

	// DefaultRequestInterval is the minimum average time between two
	// requests to the auction endpoints.
	DefaultRequestInterval = 10 * time.Millisecond

	// DefaultBurstAllowance is the number of requests that may exceed the
	// request rate at once.
	DefaultBurstAllowance = 20
)

// Config contains all of the required information and dependencies of the
// Reporter to carry out its duties.
type Config struct {
	URLPrefix       string        `long:"urlprefix" description:"status instance endpoint prefix"`
	Address         string        `long:"address" description:"status instance rest address"`
	DefaultStatus   string        `long:"defaultstatus" description:"status instance default status"`
	EnableAdmin     bool          `long:"enableadmin" description:"serve the admin endpoints that change prices and parameters"`
	RequestInterval time.Duration `long:"requestinterval" description:"minimum average time between two requests to the auction endpoints"`
	BurstAllowance  int           `long:"burstallowance" description:"number of requests that may exceed the request rate at once"`

	// IsAlive returns if the status should be considerated true in liveness
	// probes.
	IsAlive func(string) bool

	// IsReady returns if the status should be considerated true in
	// readiness probes.
	IsReady func(string) bool

	// IsValidStatus returns false if we should not consider the given
	// status.
	IsValidStatus func(string) bool

	// Backend serves the auction endpoints. If nil, only the health
	// endpoints are served.
	Backend Backend
}

// DefaultConfig returns the config for a status server with the default
// values.
func DefaultConfig() *Config {
	return &Config{
		URLPrefix:       "/v1",
		Address:         fmt.Sprintf(":%d", defaultPort),
		DefaultStatus:   StartingUp,
		RequestInterval: DefaultRequestInterval,
		BurstAllowance:  DefaultBurstAllowance,
		IsAlive:         DefaultIsAlive,
		IsReady:         DefaultIsReady,
		IsValidStatus:   DefaultIsValidStatus,
	}
}

// Status represents the status information of a service.
type Status struct {
	// Status is the instance state.
	Status string `json:"status"`

	// IsAlive return true if the instance is running properly.
	IsAlive bool `json:"is_alive"`

	// IsReady signals that the instance is ready to process requests.
	IsReady bool `json:"is_ready"`
}

// Reporter is the responsible to hold and communicate the current
// status for any the service.
type Reporter struct {
	cfg *Config

	Status string

	limiter *rate.Limiter

	server *http.Server

	sync.RWMutex
}

// NewReporter createes a new reporter to be used as the status service.
func NewReporter(cfg *Config) *Reporter {
	limit := rate.Inf
	if cfg.RequestInterval > 0 {
		limit = rate.Every(cfg.RequestInterval)
	}

	return &Reporter{
		cfg:     cfg,
		Status:  cfg.DefaultStatus,
		limiter: rate.NewLimiter(limit, cfg.BurstAllowance),
	}
}

// Handler returns the handler of all endpoints of the status service.
func (r *Reporter) Handler() http.Handler {
	handler := http.NewServeMux()
	liveURL := fmt.Sprintf(livePath, r.cfg.URLPrefix)
	handler.HandleFunc(liveURL, r.LivenessHandler())

	readyURL := fmt.Sprintf(readyPath, r.cfg.URLPrefix)
	handler.HandleFunc(readyURL, r.ReadinessHandler())

	statusURL := fmt.Sprintf(statusPath, r.cfg.URLPrefix)
	handler.HandleFunc(statusURL, r.StatusHandler())

	if r.cfg.Backend == nil {
		return handler
	}

	route := func(path, method string, h http.HandlerFunc) {
		url := fmt.Sprintf(path, r.cfg.URLPrefix)
		handler.HandleFunc(url, r.limit(method, h))
	}

	route(schedulePath, http.MethodGet, r.ScheduleHandler())
	route(booksPath, http.MethodGet, r.BooksHandler())
	route(paramsPath, http.MethodGet, r.ParamsHandler())

	if r.cfg.EnableAdmin {
		route(adminPricePath, http.MethodPost, r.SetPriceHandler())
		route(adminParamsPath, http.MethodPost, r.UpdateParamsHandler())
		route(adminTickPath, http.MethodPost, r.TickHandler())
		route(
			adminCloseBooksPath, http.MethodPost,
			r.CloseBooksHandler(),
		)
	}

	return handler
}

// Start registers the handlers for the status service and starts a new service.
func (r *Reporter) Start() error {
	log.Infof("Starting status server")

	r.server = &http.Server{
		Addr: r.cfg.Address,
		// Default timeouts.
		WriteTimeout: time.Second * 5,
		ReadTimeout:  time.Second * 5,
		IdleTimeout:  time.Second * 30,
		Handler:      r.Handler(),
	}

	log.Infof("Status server listening on %s", r.cfg.Address)

	// Run our server in a goroutine so that it doesn't block.
	go func() {
		err := r.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Status server error: %v", err)
		}
	}()

	return nil
}

// Stop the status http server.
func (r *Reporter) Stop(ctx context.Context) error {
	if r.server == nil {
		return nil
	}

	// Create a deadline to wait for.
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	return r.server.Shutdown(ctx)
}

// SetStatus updates the current status.
func (r *Reporter) SetStatus(status string) error {
	if !r.cfg.IsValidStatus(status) {
		return fmt.Errorf("unable to set non valid status %v", status)
	}

	r.Lock()
	log.Infof("Updating service status: %s -> %s", r.Status, status)
	r.Status = status
	r.Unlock()

	return nil
}

// GetStatus returns the information about the current status.
func (r *Reporter) GetStatus() *Status {
	r.RLock()
	status := r.Status
	r.RUnlock()

	return &Status{
		Status:  status,
		IsAlive: r.cfg.IsAlive(status),
		IsReady: r.cfg.IsReady(status),
	}
}
