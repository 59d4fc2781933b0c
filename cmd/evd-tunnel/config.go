// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"encoding/json"
	"os"
)

// Config drives evd-tunnel: a listener accepting evdsocket connections,
// bridged through the stream filter chain to connections drawn from a
// pool.Pool dialing Target. Framing selects an optional application-level
// framing ("json" or "websocket") that is terminated on each accepted
// connection instead of bridging it to the pool.
type Config struct {
	Listen string `json:"listen"`
	Target string `json:"target"`

	PoolMin int `json:"poolmin"`
	PoolMax int `json:"poolmax"`

	Bandwidth int64 `json:"bandwidth"`
	Latency   int   `json:"latency"`

	Framing string `json:"framing"` // "", "json", "websocket"

	TLSCert string `json:"tlscert"`
	TLSKey  string `json:"tlskey"`

	Log   string `json:"log"`
	Quiet bool   `json:"quiet"`
	Pprof bool   `json:"pprof"`
}

func parseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(config)
}
