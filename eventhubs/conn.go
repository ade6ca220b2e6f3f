package eventhubs

import (
	"net/url"
	"strings"
)

// Connection string keys as issued by the Azure portal.
const (
	connStrEndpointKey   = "Endpoint"
	connStrKeyNameKey    = "SharedAccessKeyName"
	connStrKeyKey        = "SharedAccessKey"
	connStrEntityPathKey = "EntityPath"
)

// ClientConfig carries everything needed to reach a single Event Hub.
type ClientConfig struct {
	// Host is the amqps endpoint of the namespace, e.g. "amqps://foo.servicebus.windows.net".
	Host string
	// Path is the entity path of the hub within the namespace.
	Path string
	// KeyName is the shared access key name used for SASL PLAIN authentication.
	KeyName string
	// Key is the shared access key value.
	Key string
}

// Validate reports the first missing required property.
func (c ClientConfig) Validate() error {
	switch {
	case c.Host == "":
		return newArgumentError("config is missing property host")
	case c.Path == "":
		return newArgumentError("config is missing property path")
	case c.KeyName == "":
		return newArgumentError("config is missing property keyName")
	case c.Key == "":
		return newArgumentError("config is missing property key")
	}
	return nil
}

// ParsedConnection is the result of parsing an Event Hub connection string.
// It is immutable after construction; Path is empty when the string carries
// no EntityPath key.
type ParsedConnection struct {
	host    string
	keyName string
	key     string
	path    string
}

// Host is the amqps endpoint parsed from the Endpoint key.
func (p *ParsedConnection) Host() string { return p.host }

// KeyName is the shared access key name.
func (p *ParsedConnection) KeyName() string { return p.keyName }

// Key is the shared access key value.
func (p *ParsedConnection) Key() string { return p.key }

// Path is the entity path, or "" when the string carried no EntityPath key.
func (p *ParsedConnection) Path() string { return p.path }

// ParseConnectionString parses a connection string of the form
//
//	Endpoint=sb://<host>;SharedAccessKeyName=<keyName>;SharedAccessKey=<key>[;EntityPath=<path>]
//
// Segments without a key=value shape are ignored; required keys are enforced
// by the client constructors, not here.
func ParseConnectionString(connStr string) (*ParsedConnection, error) {
	if connStr == "" {
		return nil, newArgumentError("missing argument connectionString")
	}

	parsed := &ParsedConnection{}
	for _, segment := range strings.Split(connStr, ";") {
		kv := strings.SplitN(segment, "=", 2)
		if len(kv) != 2 {
			continue
		}

		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		switch key {
		case connStrEndpointKey:
			parsed.host = normalizeEndpoint(value)
		case connStrKeyNameKey:
			parsed.keyName = value
		case connStrKeyKey:
			parsed.key = value
		case connStrEntityPathKey:
			parsed.path = strings.Trim(value, "/")
		}
	}

	return parsed, nil
}

// normalizeEndpoint rewrites the portal's sb:// scheme to amqps:// and drops
// any trailing path or slash.
func normalizeEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "amqps://" + strings.Trim(strings.TrimPrefix(endpoint, "sb://"), "/")
	}
	return "amqps://" + u.Host
}
