package mq

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultHost             = "localhost"
	defaultPort             = 5672
	defaultVhost            = "/"
	defaultUsername         = "guest"
	defaultPassword         = "guest"
	defaultDialTimeout      = 5 * time.Second
	defaultHeartbeat        = 10 * time.Second
	defaultOperationTimeout = 5 * time.Second
)

// Config holds the broker connection parameters.
type Config struct {
	// Dialer replaces the amqp091 dialer. Nil uses DialAMQP.
	Dialer DialFunc

	Host     string
	Vhost    string
	Username string
	Password string

	// DialTimeout bounds TCP connect plus the AMQP handshake.
	DialTimeout time.Duration
	// Heartbeat is the negotiated heartbeat interval.
	Heartbeat time.Duration
	// OperationTimeout bounds every operation run through WithChannel. An
	// operation still blocked when it expires is abandoned together with its
	// channel. Zero leaves only the caller's context in charge.
	OperationTimeout time.Duration

	Port int
}

// DefaultConfig returns the settings of a stock local RabbitMQ.
func DefaultConfig() Config {
	return Config{
		Host:             defaultHost,
		Port:             defaultPort,
		Vhost:            defaultVhost,
		Username:         defaultUsername,
		Password:         defaultPassword,
		DialTimeout:      defaultDialTimeout,
		Heartbeat:        defaultHeartbeat,
		OperationTimeout: defaultOperationTimeout,
	}
}

// Validate checks that the config can be dialed.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("rabbitmq host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("rabbitmq port must be between 1 and 65535")
	}
	if c.Username == "" {
		return errors.New("rabbitmq username cannot be empty")
	}
	if c.DialTimeout < 0 || c.Heartbeat < 0 || c.OperationTimeout < 0 {
		return errors.New("rabbitmq timeouts cannot be negative")
	}
	return nil
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL returns the amqp:// URL for the config, credentials included.
func (c Config) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   c.Addr(),
		Path:   "/",
	}
	if c.Vhost != "" && c.Vhost != defaultVhost {
		u.Path = "/" + c.Vhost
	}
	return u.String()
}

// Redacted returns the URL with the password masked, for logging.
func (c Config) Redacted() string {
	u, err := url.Parse(c.URL())
	if err != nil {
		return c.Addr()
	}
	return u.Redacted()
}
