package apiv1

import (
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSwagger(t *testing.T) {
	doc, err := GetSwagger()
	require.NoError(t, err)
	assert.Equal(t, "PopGraph Payment API", doc.Info.Title)
	assert.NotNil(t, doc.Paths.Find("/payment/callback/{method}"))
}

// Every documented operation must be routed and nothing undocumented may be.
func TestRoutesMatchDocument(t *testing.T) {
	doc, err := GetSwagger()
	require.NoError(t, err)

	var documented []string
	for path, item := range doc.Paths.Map() {
		for method := range item.Operations() {
			fiberPath := strings.NewReplacer("{", ":", "}", "").Replace(path)
			documented = append(documented, method+" "+fiberPath)
		}
	}

	app := fiber.New()
	RegisterHandlers(app, NewAPIServer())
	var routed []string
	for _, r := range app.GetRoutes(true) {
		if r.Method == fiber.MethodHead {
			continue
		}
		routed = append(routed, r.Method+" "+r.Path)
	}

	sort.Strings(documented)
	sort.Strings(routed)
	assert.Equal(t, documented, routed)
}

func TestGetPing(t *testing.T) {
	app := fiber.New()
	RegisterHandlers(app, NewAPIServer())

	resp, err := app.Test(httptest.NewRequest("GET", "/ping", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
