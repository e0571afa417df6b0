// Package tablesdb connects to an Appwrite TablesDB project through the official SDK.
package tablesdb

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/appwrite/sdk-for-go/appwrite"
	"github.com/appwrite/sdk-for-go/client"
	sdk "github.com/appwrite/sdk-for-go/tablesdb"
)

// Error types returned by the service when a resource already exists.
const (
	TypeDatabaseExists = "database_already_exists"
	TypeTableExists    = "table_already_exists"
	TypeColumnExists   = "column_already_exists"
	TypeIndexExists    = "index_already_exists"
	TypeRowExists      = "row_already_exists"
)

// StatusAvailable is the status of a column or index that is ready for use.
const StatusAvailable = "available"

// Index types.
const (
	IndexUnique = "unique"
	IndexKey    = "key"
)

// Config configures the SDK client.
type Config struct {
	// Endpoint is the API base URL, e.g. "https://cloud.appwrite.io/v1".
	Endpoint string

	Project string
	APIKey  string

	// Timeout bounds each request (default: 15s).
	Timeout time.Duration

	// HTTPClient replaces the SDK's client, e.g. for an httptest server.
	HTTPClient *http.Client
}

// New returns the TablesDB service of a client authenticated with an API key.
func New(cfg Config) (*sdk.TablesDB, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("tablesdb: endpoint is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	opts := []client.ClientOption{
		appwrite.WithEndpoint(cfg.Endpoint),
		appwrite.WithProject(cfg.Project),
		appwrite.WithKey(cfg.APIKey),
		appwrite.WithTimeout(timeout),
	}

	if cfg.HTTPClient != nil {
		opts = append(opts, func(c *client.Client) error {
			c.Client = cfg.HTTPClient

			return nil
		})
	}

	return appwrite.NewTablesDB(appwrite.NewClient(opts...)), nil
}

// ErrorType returns the type of an API error, such as "row_already_exists", or "" for any
// other error.
func ErrorType(err error) string {
	var apiErr *client.AppwriteError
	if !errors.As(err, &apiErr) {
		return ""
	}

	var body struct {
		Type string `json:"type"`
	}

	if json.Unmarshal([]byte(apiErr.GetResponse()), &body) != nil {
		return ""
	}

	return body.Type
}

// IsType reports whether err is an API error of type typ.
func IsType(err error, typ string) bool {
	return typ != "" && ErrorType(err) == typ
}
