package eventhubs

import (
	"runtime"

	"github.com/sirupsen/logrus"
	"pack.ag/amqp"
)

// Version is reported to the service in the connection properties.
const Version = "0.3.0"

// dialFunc matches amqp.Dial and exists so tests can stand in for the network.
type dialFunc func(addr string, opts ...amqp.ConnOption) (*amqp.Client, error)

// linkManager owns the authenticated AMQP connection of one client. Every
// session and link of the client hangs off the connection it dials. The
// owning client serializes access, so there is no locking here.
type linkManager struct {
	config ClientConfig
	logger logrus.FieldLogger
	dial   dialFunc

	conn *amqp.Client
}

func newLinkManager(config ClientConfig, logger logrus.FieldLogger, dial dialFunc) *linkManager {
	if dial == nil {
		dial = amqp.Dial
	}
	return &linkManager{
		config: config,
		logger: logger,
		dial:   dial,
	}
}

// connect dials the namespace endpoint and authenticates with SASL PLAIN
// using the shared access key pair.
func (lm *linkManager) connect() error {
	conn, err := lm.dial(
		lm.config.Host,
		amqp.ConnSASLPlain(lm.config.KeyName, lm.config.Key),
		amqp.ConnProperty("product", "azure-event-hubs"),
		amqp.ConnProperty("version", Version),
		amqp.ConnProperty("platform", runtime.GOOS),
		amqp.ConnProperty("framework", runtime.Version()),
	)
	if err != nil {
		return err
	}

	lm.conn = conn
	lm.logger.WithField("host", lm.config.Host).Debug("connection established")
	return nil
}

// connection returns the live AMQP connection.
func (lm *linkManager) connection() *amqp.Client {
	return lm.conn
}

// newSession opens a fresh AMQP session on the connection.
func (lm *linkManager) newSession() (*session, error) {
	amqpSession, err := lm.conn.NewSession()
	if err != nil {
		return nil, err
	}
	return newSession(amqpSession)
}

// close tears the connection down. Links and sessions riding on it are
// terminated by the broker side of the close.
func (lm *linkManager) close() error {
	if lm.conn == nil {
		return nil
	}

	err := lm.conn.Close()
	lm.conn = nil
	if err != nil {
		return err
	}
	lm.logger.WithField("host", lm.config.Host).Debug("connection closed")
	return nil
}
