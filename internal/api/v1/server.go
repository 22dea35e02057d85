package apiv1

import (
	"fmt"
	"net/url"

	"github.com/gofiber/fiber/v2"
)

// Pong is the ping response body.
type Pong struct {
	Ping string `json:"ping"`
}

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// (GET /ping)
	GetPing(c *fiber.Ctx) error
	// (GET /plans)
	ListPlans(c *fiber.Ctx) error
	// (GET /orders)
	ListOrders(c *fiber.Ctx) error
	// (POST /orders)
	CreateOrder(c *fiber.Ctx) error
	// (GET /orders/{id})
	GetOrder(c *fiber.Ctx, id string) error
	// (GET /membership)
	GetMembership(c *fiber.Ctx) error
	// (POST /payment/callback/{method})
	PaymentCallback(c *fiber.Ctx, method string) error
}

// ServerInterfaceWrapper converts contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

type MiddlewareFunc fiber.Handler

func (siw *ServerInterfaceWrapper) GetPing(c *fiber.Ctx) error {
	return siw.Handler.GetPing(c)
}

func (siw *ServerInterfaceWrapper) ListPlans(c *fiber.Ctx) error {
	return siw.Handler.ListPlans(c)
}

func (siw *ServerInterfaceWrapper) ListOrders(c *fiber.Ctx) error {
	return siw.Handler.ListOrders(c)
}

func (siw *ServerInterfaceWrapper) CreateOrder(c *fiber.Ctx) error {
	return siw.Handler.CreateOrder(c)
}

func (siw *ServerInterfaceWrapper) GetOrder(c *fiber.Ctx) error {
	id, err := pathParam(c, "id")
	if err != nil {
		return err
	}
	return siw.Handler.GetOrder(c, id)
}

func (siw *ServerInterfaceWrapper) GetMembership(c *fiber.Ctx) error {
	return siw.Handler.GetMembership(c)
}

func (siw *ServerInterfaceWrapper) PaymentCallback(c *fiber.Ctx) error {
	method, err := pathParam(c, "method")
	if err != nil {
		return err
	}
	return siw.Handler.PaymentCallback(c, method)
}

func pathParam(c *fiber.Ctx, name string) (string, error) {
	raw := c.Params(name)
	value, err := url.PathUnescape(raw)
	if err != nil || value == "" {
		return "", fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("Invalid format for parameter %s", name))
	}
	return value, nil
}

// FiberServerOptions provides options for the Fiber server.
type FiberServerOptions struct {
	BaseURL     string
	Middlewares []MiddlewareFunc
}

// RegisterHandlers registers every route of the OpenAPI document.
func RegisterHandlers(router fiber.Router, si ServerInterface) {
	RegisterHandlersWithOptions(router, si, FiberServerOptions{})
}

// RegisterHandlersWithOptions creates http.Handler with additional options
func RegisterHandlersWithOptions(router fiber.Router, si ServerInterface, options FiberServerOptions) {
	wrapper := ServerInterfaceWrapper{
		Handler: si,
	}

	for _, m := range options.Middlewares {
		router.Use(fiber.Handler(m))
	}

	router.Get(options.BaseURL+"/ping", wrapper.GetPing)
	router.Get(options.BaseURL+"/plans", wrapper.ListPlans)
	router.Get(options.BaseURL+"/orders", wrapper.ListOrders)
	router.Post(options.BaseURL+"/orders", wrapper.CreateOrder)
	router.Get(options.BaseURL+"/orders/:id", wrapper.GetOrder)
	router.Get(options.BaseURL+"/membership", wrapper.GetMembership)
	router.Post(options.BaseURL+"/payment/callback/:method", wrapper.PaymentCallback)
}
