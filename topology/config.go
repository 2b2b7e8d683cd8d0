package topology

import (
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/neurlang/qtrain/failure"
)

// Environment read by attaching workers and written for spawned ones.
const (
	EnvRank       = "RANK"
	EnvWorldSize  = "WORLD_SIZE"
	EnvLocalRank  = "LOCAL_RANK"
	EnvMasterAddr = "MASTER_ADDR"
	EnvMasterPort = "MASTER_PORT"
	EnvDevice     = "QTRAIN_DEVICE"
	// EnvWorker marks a process started by Spawn.
	EnvWorker = "QTRAIN_WORKER"
)

// EnvInit is the init method that reads the rendezvous from the environment.
const EnvInit = "env://"

type Mode int

const (
	// ModeAttach joins a rendezvous as one given rank.
	ModeAttach Mode = iota
	// ModeSpawn launches one worker per device of this node.
	ModeSpawn
)

func (m Mode) String() string {
	if m == ModeSpawn {
		return "spawn"
	}
	return "attach"
}

type Config struct {
	Mode Mode
	// WorldSize is the total number of workers when attaching and the number
	// of nodes when spawning. -1 reads WORLD_SIZE.
	WorldSize int
	// Rank is the global rank when attaching and the node rank when
	// spawning. -1 reads RANK.
	Rank int
	// DevicesPerNode is the spawn fan-out, 0 counts the local devices.
	DevicesPerNode int
	// InitMethod is env:// or tcp://host:port.
	InitMethod string
	Backend    string
	// Device pins the worker to an accelerator, -1 reads the environment.
	Device      int
	JoinTimeout time.Duration
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

const DefaultJoinTimeout = 2 * time.Minute

func (c Config) withDefaults() Config {
	if c.Getenv == nil {
		c.Getenv = os.Getenv
	}
	if c.InitMethod == "" {
		c.InitMethod = EnvInit
	}
	if c.Backend == "" {
		c.Backend = "tcp"
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	return c
}

func (c Config) requireInt(name string) (int, error) {
	v := strings.TrimSpace(c.Getenv(name))
	if v == "" {
		return 0, failure.Newf(failure.Rendezvous, "env", "environment variable %s is not set", name)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, failure.Newf(failure.Rendezvous, "env", "environment variable %s=%q is not an integer", name, v)
	}
	return n, nil
}

func (c Config) optionalInt(name string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(c.Getenv(name)))
	return n, err == nil
}

// address resolves the rendezvous host:port from the init method.
func (c Config) address() (string, error) {
	if c.InitMethod == EnvInit {
		host := strings.TrimSpace(c.Getenv(EnvMasterAddr))
		if host == "" {
			return "", failure.Newf(failure.Rendezvous, "env", "environment variable %s is not set", EnvMasterAddr)
		}
		port, err := c.requireInt(EnvMasterPort)
		if err != nil {
			return "", err
		}
		return net.JoinHostPort(host, strconv.Itoa(port)), nil
	}
	u, err := url.Parse(c.InitMethod)
	if err != nil || u.Scheme != "tcp" || u.Host == "" || u.Port() == "" {
		return "", failure.Newf(failure.Configuration, "init method",
			"%q is neither %s nor tcp://host:port", c.InitMethod, EnvInit)
	}
	return u.Host, nil
}
