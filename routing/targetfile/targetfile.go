// Package targetfile implements the file based target configuration
// source of the single tenant mode. The file is a YAML document with a
// top level 'targets' list:
//
//	targets:
//	- name: api
//	  pattern: /api/*
//	  origin: https://api.example.com
//	  cookie: session=abc123
//	  headers:
//	    Authorization: Bearer xyz
//
// Open reads the file once, Watch re-checks the file's modification
// time on every access and reloads on change, so targets can be edited
// without restarting the proxy.
package targetfile

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/dinghy-proxy/dinghy/logging"
	"github.com/dinghy-proxy/dinghy/routing"
)

type targetsFile struct {
	Targets []routing.Target `yaml:"targets"`
}

// Client provides the current target registry loaded from a file.
type Client struct {
	fileName string
	watch    bool
	log      logging.Logger

	mu       sync.Mutex
	modTime  time.Time
	registry *routing.Registry
}

func parse(content []byte) (*routing.Registry, error) {
	var f targetsFile
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("parsing targets file: %w", err)
	}

	return routing.NewRegistryWithTargets(f.Targets)
}

func load(fileName string) (*routing.Registry, time.Time, error) {
	fi, err := os.Stat(fileName)
	if err != nil {
		return nil, time.Time{}, err
	}

	content, err := os.ReadFile(fileName)
	if err != nil {
		return nil, time.Time{}, err
	}

	r, err := parse(content)
	if err != nil {
		return nil, time.Time{}, err
	}

	return r, fi.ModTime(), nil
}

// Open loads the targets file once. Used in static operation mode,
// where a bad file fails the startup.
func Open(fileName string, l logging.Logger) (*Client, error) {
	r, mod, err := load(fileName)
	if err != nil {
		return nil, err
	}

	return &Client{fileName: fileName, log: l, registry: r, modTime: mod}, nil
}

// Watch creates a file source that reloads the file whenever its
// modification time changes, checked on every Registry call. An initial
// load failure results in an empty registry; a reload failure keeps the
// last good registry. Both are logged.
func Watch(fileName string, l logging.Logger) *Client {
	c := &Client{fileName: fileName, watch: true, log: l}

	r, mod, err := load(fileName)
	if err != nil {
		l.Errorf("targets file %s not loaded: %v", fileName, err)
		c.registry = routing.NewRegistry()
	} else {
		c.registry = r
		c.modTime = mod
	}

	return c
}

func (c *Client) reload() {
	fi, err := os.Stat(c.fileName)
	if err != nil {
		// vanished file keeps the last good registry
		return
	}

	if fi.ModTime().Equal(c.modTime) {
		return
	}

	r, mod, err := load(c.fileName)
	if err != nil {
		c.log.Errorf("reloading targets file %s failed, keeping previous targets: %v", c.fileName, err)
		c.modTime = fi.ModTime()
		return
	}

	c.log.Infof("targets file %s reloaded, %d targets", c.fileName, r.Len())
	c.registry = r
	c.modTime = mod
}

// Registry returns the current registry. In watch mode it first checks
// the file for changes.
func (c *Client) Registry() *routing.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watch {
		c.reload()
	}

	return c.registry
}

// Close exists for symmetry with other sources; the client holds no
// background resources.
func (c *Client) Close() {}
