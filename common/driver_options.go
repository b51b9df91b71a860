/*
 *
 * xk6-webdriver - a WebDriver session extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"
	env "github.com/caarlos0/env/v11"
	"go.k6.io/k6/lib/types"
	"gopkg.in/guregu/null.v3"
)

const (
	// DefaultDriverStartTimeout is how long a driver gets to become ready.
	DefaultDriverStartTimeout = 20 * time.Second

	// ConfigFileEnvVar names the env var pointing at an optional config file.
	ConfigFileEnvVar = "K6_WEBDRIVER_CONFIG"
)

// DriverOptions is the resolved configuration of a test run. It is created
// once when the test is loaded and must not be modified afterwards, which
// makes it safe to share between workers without locking.
type DriverOptions struct {
	DriverExecutablePath string

	AndroidEnabled       bool
	HeadlessEnabled      bool
	IncognitoEnabled     bool
	NoSandboxEnabled     bool
	DisableDevShmUsage   bool
	InsecureCertsEnabled bool

	Proxy ProxyOptions

	DriverArgs           []string
	DriverEnv            []string
	DriverStartTimeout   time.Duration
	DriverLogDir         string
	VerboseDriverLogging bool

	// LaunchRate caps driver launches per second across all workers.
	// Zero means unlimited.
	LaunchRate float64

	RecreateOnIteration bool
	DevMode             bool
}

// NewDriverOptions returns the default driver options.
func NewDriverOptions() *DriverOptions {
	return &DriverOptions{
		Proxy:              ProxyOptions{Type: ProxyTypeSystem},
		DriverStartTimeout: DefaultDriverStartTimeout,
	}
}

// HasBrowserFlags returns true if any option that needs browser specific
// startup settings is enabled.
func (o *DriverOptions) HasBrowserFlags() bool {
	return o.AndroidEnabled ||
		o.HeadlessEnabled ||
		o.IncognitoEnabled ||
		o.NoSandboxEnabled ||
		o.DisableDevShmUsage
}

// Validate checks the options for values that can never work. A missing
// driver executable is not checked here; it surfaces as a startup failure.
func (o *DriverOptions) Validate() error {
	var errs []error
	if err := o.Proxy.Validate(); err != nil {
		errs = append(errs, err)
	}
	if o.DriverStartTimeout <= 0 {
		errs = append(errs, fmt.Errorf("driver start timeout must be positive, got %s", o.DriverStartTimeout))
	}
	if o.LaunchRate < 0 {
		errs = append(errs, fmt.Errorf("launch rate must not be negative, got %v", o.LaunchRate))
	}
	return errors.Join(errs...)
}

// DriverConfig is one layer of driver configuration, as read from a config
// file or the environment. Unset values don't override other layers.
type DriverConfig struct {
	DriverExecutablePath null.String `json:"driverExecutablePath" env:"K6_WEBDRIVER_DRIVER_PATH"`

	AndroidEnabled       null.Bool `json:"androidEnabled" env:"K6_WEBDRIVER_ANDROID"`
	HeadlessEnabled      null.Bool `json:"headlessEnabled" env:"K6_WEBDRIVER_HEADLESS"`
	IncognitoEnabled     null.Bool `json:"incognitoEnabled" env:"K6_WEBDRIVER_INCOGNITO"`
	NoSandboxEnabled     null.Bool `json:"noSandboxEnabled" env:"K6_WEBDRIVER_NO_SANDBOX"`
	DisableDevShmUsage   null.Bool `json:"disableDevShmUsage" env:"K6_WEBDRIVER_DISABLE_DEV_SHM_USAGE"`
	InsecureCertsEnabled null.Bool `json:"insecureCertsEnabled" env:"K6_WEBDRIVER_INSECURE_CERTS"`

	Proxy ProxyConfig `json:"proxy" envPrefix:"K6_WEBDRIVER_PROXY_"`

	DriverArgs           []string           `json:"driverArgs"`
	DriverEnv            []string           `json:"driverEnv"`
	DriverStartTimeout   types.NullDuration `json:"driverStartTimeout" env:"K6_WEBDRIVER_START_TIMEOUT"`
	DriverLogDir         null.String        `json:"driverLogDir" env:"K6_WEBDRIVER_LOG_DIR"`
	VerboseDriverLogging null.Bool          `json:"verboseDriverLogging" env:"K6_WEBDRIVER_VERBOSE"`
	LaunchRate           null.Float         `json:"launchRate" env:"K6_WEBDRIVER_LAUNCH_RATE"`

	RecreateOnIteration null.Bool `json:"recreateOnIteration" env:"K6_WEBDRIVER_RECREATE_ON_ITERATION"`
	DevMode             null.Bool `json:"devMode" env:"K6_WEBDRIVER_DEV_MODE"`
}

// ProxyConfig is the proxy part of a DriverConfig layer. Its env vars are
// prefixed with K6_WEBDRIVER_PROXY_, e.g. K6_WEBDRIVER_PROXY_HTTP_PROXY.
type ProxyConfig struct {
	Type          null.String `json:"type" env:"TYPE"`
	PACURL        null.String `json:"pacUrl" env:"PACURL"`
	HTTPProxy     null.String `json:"httpProxy" env:"HTTP_PROXY"`
	SSLProxy      null.String `json:"sslProxy" env:"SSL_PROXY"`
	FTPProxy      null.String `json:"ftpProxy" env:"FTP_PROXY"`
	SocksProxy    null.String `json:"socksProxy" env:"SOCKS_PROXY"`
	UseHTTPForAll null.Bool   `json:"useHttpForAll" env:"USE_HTTP_FOR_ALL"`
	NoProxy       []string    `json:"noProxy" env:"NO_PROXY"`
}

// Apply returns c with every value that is set in cfg applied on top.
func (c DriverConfig) Apply(cfg DriverConfig) DriverConfig {
	if cfg.DriverExecutablePath.Valid {
		c.DriverExecutablePath = cfg.DriverExecutablePath
	}
	if cfg.AndroidEnabled.Valid {
		c.AndroidEnabled = cfg.AndroidEnabled
	}
	if cfg.HeadlessEnabled.Valid {
		c.HeadlessEnabled = cfg.HeadlessEnabled
	}
	if cfg.IncognitoEnabled.Valid {
		c.IncognitoEnabled = cfg.IncognitoEnabled
	}
	if cfg.NoSandboxEnabled.Valid {
		c.NoSandboxEnabled = cfg.NoSandboxEnabled
	}
	if cfg.DisableDevShmUsage.Valid {
		c.DisableDevShmUsage = cfg.DisableDevShmUsage
	}
	if cfg.InsecureCertsEnabled.Valid {
		c.InsecureCertsEnabled = cfg.InsecureCertsEnabled
	}
	c.Proxy = c.Proxy.Apply(cfg.Proxy)
	if len(cfg.DriverArgs) > 0 {
		c.DriverArgs = cfg.DriverArgs
	}
	if len(cfg.DriverEnv) > 0 {
		c.DriverEnv = cfg.DriverEnv
	}
	if cfg.DriverStartTimeout.Valid {
		c.DriverStartTimeout = cfg.DriverStartTimeout
	}
	if cfg.DriverLogDir.Valid {
		c.DriverLogDir = cfg.DriverLogDir
	}
	if cfg.VerboseDriverLogging.Valid {
		c.VerboseDriverLogging = cfg.VerboseDriverLogging
	}
	if cfg.LaunchRate.Valid {
		c.LaunchRate = cfg.LaunchRate
	}
	if cfg.RecreateOnIteration.Valid {
		c.RecreateOnIteration = cfg.RecreateOnIteration
	}
	if cfg.DevMode.Valid {
		c.DevMode = cfg.DevMode
	}
	return c
}

// Apply returns c with every value that is set in cfg applied on top.
func (c ProxyConfig) Apply(cfg ProxyConfig) ProxyConfig {
	if cfg.Type.Valid {
		c.Type = cfg.Type
	}
	if cfg.PACURL.Valid {
		c.PACURL = cfg.PACURL
	}
	if cfg.HTTPProxy.Valid {
		c.HTTPProxy = cfg.HTTPProxy
	}
	if cfg.SSLProxy.Valid {
		c.SSLProxy = cfg.SSLProxy
	}
	if cfg.FTPProxy.Valid {
		c.FTPProxy = cfg.FTPProxy
	}
	if cfg.SocksProxy.Valid {
		c.SocksProxy = cfg.SocksProxy
	}
	if cfg.UseHTTPForAll.Valid {
		c.UseHTTPForAll = cfg.UseHTTPForAll
	}
	if len(cfg.NoProxy) > 0 {
		c.NoProxy = cfg.NoProxy
	}
	return c
}

// Resolve turns the layer into validated DriverOptions. Values that are not
// set keep their defaults.
func (c DriverConfig) Resolve() (*DriverOptions, error) {
	o := NewDriverOptions()

	o.DriverExecutablePath = c.DriverExecutablePath.String
	o.AndroidEnabled = c.AndroidEnabled.Bool
	o.HeadlessEnabled = c.HeadlessEnabled.Bool
	o.IncognitoEnabled = c.IncognitoEnabled.Bool
	o.NoSandboxEnabled = c.NoSandboxEnabled.Bool
	o.DisableDevShmUsage = c.DisableDevShmUsage.Bool
	o.InsecureCertsEnabled = c.InsecureCertsEnabled.Bool

	if c.Proxy.Type.Valid {
		o.Proxy.Type = ProxyType(c.Proxy.Type.String)
	}
	o.Proxy.PACURL = c.Proxy.PACURL.String
	o.Proxy.HTTPProxy = c.Proxy.HTTPProxy.String
	o.Proxy.SSLProxy = c.Proxy.SSLProxy.String
	o.Proxy.FTPProxy = c.Proxy.FTPProxy.String
	o.Proxy.SocksProxy = c.Proxy.SocksProxy.String
	o.Proxy.UseHTTPForAll = c.Proxy.UseHTTPForAll.Bool
	o.Proxy.NoProxy = append([]string(nil), c.Proxy.NoProxy...)

	o.DriverArgs = append([]string(nil), c.DriverArgs...)
	o.DriverEnv = append([]string(nil), c.DriverEnv...)
	if c.DriverStartTimeout.Valid {
		o.DriverStartTimeout = c.DriverStartTimeout.TimeDuration()
	}
	o.DriverLogDir = c.DriverLogDir.String
	o.VerboseDriverLogging = c.VerboseDriverLogging.Bool
	o.LaunchRate = c.LaunchRate.Float64
	o.RecreateOnIteration = c.RecreateOnIteration.Bool
	o.DevMode = c.DevMode.Bool

	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("invalid driver options: %w", err)
	}
	return o, nil
}

// ReadDriverConfigFile reads a configuration layer from a YAML or JSON file.
func ReadDriverConfigFile(path string) (DriverConfig, error) {
	var c DriverConfig

	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return c, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	return c, nil
}

// ReadDriverConfigEnv reads a configuration layer from the K6_WEBDRIVER_*
// variables in environ. A nil environ means the process environment.
func ReadDriverConfigEnv(environ map[string]string) (DriverConfig, error) {
	var c DriverConfig
	if err := env.ParseWithOptions(&c, env.Options{Environment: environ}); err != nil {
		return c, fmt.Errorf("parsing environment variables: %w", err)
	}
	return c, nil
}

// LoadDriverOptions resolves the driver options from the defaults, the
// config file at path (if not empty) and environ, in that order of
// precedence, lowest first. A nil environ means the process environment.
func LoadDriverOptions(path string, environ map[string]string) (*DriverOptions, error) {
	var c DriverConfig

	if path != "" {
		fc, err := ReadDriverConfigFile(path)
		if err != nil {
			return nil, err
		}
		c = c.Apply(fc)
	}

	ec, err := ReadDriverConfigEnv(environ)
	if err != nil {
		return nil, err
	}

	return c.Apply(ec).Resolve()
}
