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
	"sort"

	"github.com/mailru/easyjson/jwriter"
)

// Capability names sent to the driver.
const (
	CapabilityProxy               = "proxy"
	CapabilityLoggingPrefs        = "goog:loggingPrefs"
	CapabilityChromeOptions       = "goog:chromeOptions"
	CapabilityAcceptInsecureCerts = "acceptInsecureCerts"
)

// Browser startup arguments and options toggled by the driver options.
const (
	ArgHeadless           = "--headless"
	ArgNoSandbox          = "--no-sandbox"
	ArgDisableDevShmUsage = "--disable-dev-shm-usage"
	ArgIncognito          = "--incognito"

	OptionAndroidPackage = "androidPackage"
	AndroidChromePackage = "com.android.chrome"
)

// Browser log capture settings.
const (
	LogTypeBrowser = "browser"
	LogLevelAll    = "ALL"
)

// ChromeOptions are the browser specific startup settings of a session.
type ChromeOptions struct {
	args         []string
	experimental map[string]string
}

// Args returns a copy of the browser startup arguments.
func (o ChromeOptions) Args() []string {
	return append([]string(nil), o.args...)
}

// ExperimentalOption returns the value of the named experimental option.
func (o ChromeOptions) ExperimentalOption(name string) (string, bool) {
	v, ok := o.experimental[name]
	return v, ok
}

// MarshalEasyJSON writes the options in the goog:chromeOptions format.
func (o ChromeOptions) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"args":`)
	writeStrings(w, o.args)

	names := make([]string, 0, len(o.experimental))
	for name := range o.experimental {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w.RawByte(',')
		w.String(name)
		w.RawByte(':')
		w.String(o.experimental[name])
	}

	w.RawByte('}')
}

// Capabilities is the immutable set of capabilities a session is created
// with. Use BuildCapabilities to get one.
type Capabilities struct {
	proxy               Proxy
	loggingPrefs        map[string]string
	chromeOptions       *ChromeOptions
	acceptInsecureCerts bool
}

// BuildCapabilities returns the capabilities for a session configured with
// opts. It has no side effects and never fails.
func BuildCapabilities(opts *DriverOptions) Capabilities {
	caps := Capabilities{
		proxy:        opts.Proxy.Build(),
		loggingPrefs: map[string]string{LogTypeBrowser: LogLevelAll},
	}

	if opts.HasBrowserFlags() {
		co := ChromeOptions{
			args:         make([]string, 0, 4),
			experimental: make(map[string]string),
		}
		if opts.AndroidEnabled {
			co.experimental[OptionAndroidPackage] = AndroidChromePackage
		}
		if opts.HeadlessEnabled {
			co.args = append(co.args, ArgHeadless)
		}
		if opts.NoSandboxEnabled {
			co.args = append(co.args, ArgNoSandbox)
		}
		if opts.DisableDevShmUsage {
			co.args = append(co.args, ArgDisableDevShmUsage)
		}
		if opts.IncognitoEnabled {
			co.args = append(co.args, ArgIncognito)
		}
		caps.chromeOptions = &co
	}

	caps.acceptInsecureCerts = opts.InsecureCertsEnabled

	return caps
}

// Proxy returns the proxy capability.
func (c Capabilities) Proxy() Proxy {
	return c.proxy
}

// LoggingPrefs returns a copy of the logging preferences, keyed by log type.
func (c Capabilities) LoggingPrefs() map[string]string {
	prefs := make(map[string]string, len(c.loggingPrefs))
	for k, v := range c.loggingPrefs {
		prefs[k] = v
	}
	return prefs
}

// ChromeOptions returns the browser options and whether they are set.
func (c Capabilities) ChromeOptions() (ChromeOptions, bool) {
	if c.chromeOptions == nil {
		return ChromeOptions{}, false
	}
	return *c.chromeOptions, true
}

// AcceptInsecureCerts returns true if the insecure certificates capability
// is set. The capability is never sent as false.
func (c Capabilities) AcceptInsecureCerts() bool {
	return c.acceptInsecureCerts
}

// Has returns true if the named capability is part of the set.
func (c Capabilities) Has(name string) bool {
	switch name {
	case CapabilityProxy, CapabilityLoggingPrefs:
		return true
	case CapabilityChromeOptions:
		return c.chromeOptions != nil
	case CapabilityAcceptInsecureCerts:
		return c.acceptInsecureCerts
	}
	return false
}

// Names returns the names of the capabilities in the set, sorted.
func (c Capabilities) Names() []string {
	names := []string{CapabilityLoggingPrefs, CapabilityProxy}
	if c.chromeOptions != nil {
		names = append(names, CapabilityChromeOptions)
	}
	if c.acceptInsecureCerts {
		names = append(names, CapabilityAcceptInsecureCerts)
	}
	sort.Strings(names)
	return names
}

// MarshalEasyJSON writes the capabilities as a JSON object.
func (c Capabilities) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"` + CapabilityProxy + `":`)
	c.proxy.MarshalEasyJSON(w)

	w.RawString(`,"` + CapabilityLoggingPrefs + `":{`)
	logTypes := make([]string, 0, len(c.loggingPrefs))
	for lt := range c.loggingPrefs {
		logTypes = append(logTypes, lt)
	}
	sort.Strings(logTypes)
	for i, lt := range logTypes {
		if i > 0 {
			w.RawByte(',')
		}
		w.String(lt)
		w.RawByte(':')
		w.String(c.loggingPrefs[lt])
	}
	w.RawByte('}')

	if c.chromeOptions != nil {
		w.RawString(`,"` + CapabilityChromeOptions + `":`)
		c.chromeOptions.MarshalEasyJSON(w)
	}
	if c.acceptInsecureCerts {
		w.RawString(`,"` + CapabilityAcceptInsecureCerts + `":true`)
	}

	w.RawByte('}')
}

// MarshalJSON implements json.Marshaler.
func (c Capabilities) MarshalJSON() ([]byte, error) {
	var w jwriter.Writer
	c.MarshalEasyJSON(&w)
	return w.BuildBytes()
}
