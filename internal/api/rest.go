package api

import (
	"context"
	"crypto/subtle"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hbomb79/Scribe/internal/api/jobs"
	"github.com/hbomb79/Scribe/internal/api/modules"
	"github.com/hbomb79/Scribe/internal/api/system"
	"github.com/hbomb79/Scribe/pkg/logger"
)

var log = logger.Get("API")

type (
	RestConfig struct {
		HostAddr string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
		Username string `yaml:"login_username" env:"login_username" env-required:"true"`
		Password string `yaml:"login_password" env:"login_password" env-required:"true"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// The RestGateway is a thin wrapper around the Echo HTTP router. Its sole
	// responsibility is to create the routes Scribe exposes and to enforce
	// basic auth over every one of them.
	RestGateway struct {
		config            *RestConfig
		ec                *echo.Echo
		jobsController    controller
		modulesController controller
		systemController  controller
	}
)

// NewRestGateway constructs the Echo router and populates it with all the
// routes defined by the various controllers.
func NewRestGateway(config *RestConfig, jobService jobs.Service, moduleService modules.Service, systemService system.Service) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true

	validate := validator.New()
	gateway := &RestGateway{
		config:            config,
		ec:                ec,
		jobsController:    jobs.New(validate, jobService),
		modulesController: modules.New(moduleService),
		systemController:  system.New(systemService),
	}

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Use(middleware.BasicAuthWithConfig(middleware.BasicAuthConfig{
		Realm: "Login Required",
		Validator: func(username string, password string, _ echo.Context) (bool, error) {
			usernameOk := subtle.ConstantTimeCompare([]byte(username), []byte(config.Username)) == 1
			passwordOk := subtle.ConstantTimeCompare([]byte(password), []byte(config.Password)) == 1
			return usernameOk && passwordOk, nil
		},
	}))

	root := ec.Group("")
	gateway.jobsController.SetRoutes(root)
	gateway.modulesController.SetRoutes(root)
	gateway.systemController.SetRoutes(root)

	return gateway
}

// Run starts the HTTP listener and blocks until the provided context is
// cancelled, at which point the listener is closed.
func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil {
			ctxCancel(err)
		}
	}()

	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	wg.Wait()

	// Parent context cancellation is a nominal shutdown, not an error.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}
