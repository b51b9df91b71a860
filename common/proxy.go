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
	"fmt"

	"github.com/mailru/easyjson/jwriter"
)

// ProxyType is the W3C proxy type of a session.
type ProxyType string

// Supported proxy types.
const (
	ProxyTypeDirect     ProxyType = "direct"
	ProxyTypeAutodetect ProxyType = "autodetect"
	ProxyTypeSystem     ProxyType = "system"
	ProxyTypePAC        ProxyType = "pac"
	ProxyTypeManual     ProxyType = "manual"
)

const socksVersion = 5

// Valid returns true if t is one of the supported proxy types.
func (t ProxyType) Valid() bool {
	switch t {
	case ProxyTypeDirect, ProxyTypeAutodetect, ProxyTypeSystem, ProxyTypePAC, ProxyTypeManual:
		return true
	}
	return false
}

// ProxyOptions describes how the browser should reach the network.
type ProxyOptions struct {
	Type   ProxyType
	PACURL string

	// Manual proxy settings, each as host:port.
	HTTPProxy  string
	SSLProxy   string
	FTPProxy   string
	SocksProxy string

	// UseHTTPForAll uses HTTPProxy for every protocol.
	UseHTTPForAll bool
	NoProxy       []string
}

// Validate returns an error if the proxy options can't produce a usable
// proxy capability.
func (o ProxyOptions) Validate() error {
	if !o.Type.Valid() {
		return fmt.Errorf("unknown proxy type %q", o.Type)
	}
	if o.Type == ProxyTypePAC && o.PACURL == "" {
		return fmt.Errorf("proxy type %q requires a PAC URL", o.Type)
	}
	return nil
}

// Build returns the proxy capability for these options. Settings that don't
// apply to the proxy type are left out.
func (o ProxyOptions) Build() Proxy {
	p := Proxy{Type: o.Type}

	switch o.Type { //nolint:exhaustive
	case ProxyTypePAC:
		p.AutoconfigURL = o.PACURL
	case ProxyTypeManual:
		p.HTTPProxy = o.HTTPProxy
		if o.UseHTTPForAll {
			p.SSLProxy, p.FTPProxy, p.SocksProxy = o.HTTPProxy, o.HTTPProxy, o.HTTPProxy
		} else {
			p.SSLProxy, p.FTPProxy, p.SocksProxy = o.SSLProxy, o.FTPProxy, o.SocksProxy
		}
		if len(o.NoProxy) > 0 {
			p.NoProxy = append([]string(nil), o.NoProxy...)
		}
	}

	return p
}

// Proxy is the proxy capability sent to the driver.
type Proxy struct {
	Type          ProxyType
	AutoconfigURL string
	HTTPProxy     string
	SSLProxy      string
	FTPProxy      string
	SocksProxy    string
	NoProxy       []string
}

// MarshalEasyJSON writes the proxy as a W3C proxy object.
func (p Proxy) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"proxyType":`)
	w.String(string(p.Type))

	field := func(name, value string) {
		if value == "" {
			return
		}
		w.RawString(`,"` + name + `":`)
		w.String(value)
	}
	field("proxyAutoconfigUrl", p.AutoconfigURL)
	field("httpProxy", p.HTTPProxy)
	field("sslProxy", p.SSLProxy)
	field("ftpProxy", p.FTPProxy)
	field("socksProxy", p.SocksProxy)
	if p.SocksProxy != "" {
		w.RawString(`,"socksVersion":`)
		w.Int(socksVersion)
	}
	if len(p.NoProxy) > 0 {
		w.RawString(`,"noProxy":`)
		writeStrings(w, p.NoProxy)
	}

	w.RawByte('}')
}

func writeStrings(w *jwriter.Writer, ss []string) {
	w.RawByte('[')
	for i, s := range ss {
		if i > 0 {
			w.RawByte(',')
		}
		w.String(s)
	}
	w.RawByte(']')
}
