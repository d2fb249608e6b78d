package es

import (
	"sync"

	elasticsearch "github.com/elastic/go-elasticsearch/v7"
)

// Config contains configuration for connecting to the Elasticsearch cluster
// holding the document indices and the meta index.
type Config struct {
	// Addresses lists the cluster node URLs.
	Addresses []string `json:"addresses"`
	// Username/Password authenticate when the cluster requires it.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// MetaIndex holds cycle state documents under well-known ids.
	MetaIndex string `json:"meta_index"`
	// ResourcesIndex is the alias spanning all per-type document indices;
	// the invalidation query runs against it.
	ResourcesIndex string `json:"resources_index"`
}

// Connection wraps an Elasticsearch client and its configuration.
type Connection struct {
	Client *elasticsearch.Client
	Config
}

var connection *Connection
var mux sync.Mutex

// IsConnectionInstantiated reports whether a global Connection has been created.
func IsConnectionInstantiated() bool {
	return connection != nil
}

// OpenConnection returns the existing global Connection or opens a new one
// using the provided config.
func OpenConnection(config Config) (*Connection, error) {
	if connection != nil {
		return connection, nil
	}
	mux.Lock()
	defer mux.Unlock()

	if connection != nil {
		return connection, nil
	}
	if config.MetaIndex == "" {
		config.MetaIndex = "meta"
	}
	if config.ResourcesIndex == "" {
		config.ResourcesIndex = "resources"
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: config.Addresses,
		Username:  config.Username,
		Password:  config.Password,
	})
	if err != nil {
		return nil, err
	}
	connection = &Connection{
		Client: client,
		Config: config,
	}
	return connection, nil
}

// CloseConnection drops the singleton connection. The underlying transport
// has no close; dropping the reference is enough.
func CloseConnection() {
	mux.Lock()
	defer mux.Unlock()
	connection = nil
}
