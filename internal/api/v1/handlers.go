package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to existing controllers to keep behavior consistent
	"github.com/ManuelReschke/PopGraph/app/controllers"
)

// APIServer implements the ServerInterface
type APIServer struct{}

// NewAPIServer creates a new API server instance
func NewAPIServer() *APIServer {
	return &APIServer{}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// ListPlans returns the plan catalog.
func (s *APIServer) ListPlans(c *fiber.Ctx) error {
	return controllers.HandleListPlans(c)
}

// ListOrders returns the caller's orders. Security is enforced by the
// identity middleware attached in the router.
func (s *APIServer) ListOrders(c *fiber.Ctx) error {
	return controllers.HandleListOrders(c)
}

// CreateOrder starts a payment for the caller.
func (s *APIServer) CreateOrder(c *fiber.Ctx) error {
	return controllers.HandleCreateOrder(c)
}

// GetOrder returns one order owned by the caller.
func (s *APIServer) GetOrder(c *fiber.Ctx, id string) error {
	// Controller reads id from route params; wrapper already checked it.
	return controllers.HandleGetOrder(c)
}

// GetMembership returns the caller's membership.
func (s *APIServer) GetMembership(c *fiber.Ctx) error {
	return controllers.HandleGetMembership(c)
}

// PaymentCallback receives notifications from a payment network.
func (s *APIServer) PaymentCallback(c *fiber.Ctx, method string) error {
	return controllers.HandlePaymentCallback(c)
}
