package main

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/quicweave/quic/transport"
)

// fileParams is the subset of transport.Parameters that can be overridden
// from a TOML config file passed via -config.
type fileParams struct {
	MaxIdleTimeout                 duration `toml:"max_idle_timeout"`
	InitialMaxData                 uint64   `toml:"initial_max_data"`
	InitialMaxStreamDataBidiLocal  uint64   `toml:"initial_max_stream_data_bidi_local"`
	InitialMaxStreamDataBidiRemote uint64   `toml:"initial_max_stream_data_bidi_remote"`
	InitialMaxStreamDataUni        uint64   `toml:"initial_max_stream_data_uni"`
	InitialMaxStreamsBidi          uint64   `toml:"initial_max_streams_bidi"`
	InitialMaxStreamsUni           uint64   `toml:"initial_max_streams_uni"`
	MaxDatagramPayloadSize         uint64   `toml:"max_datagram_frame_size"`
}

// duration lets TOML files express timeouts as "5s" rather than nanoseconds.
type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func loadFileParams(path string) (*fileParams, error) {
	p := &fileParams{}
	if _, err := toml.DecodeFile(path, p); err != nil {
		return nil, err
	}
	return p, nil
}

// applyTo overrides non-zero fields of c.Params with values loaded from a
// config file, so command-line defaults still apply where the file is silent.
func (p *fileParams) applyTo(c *transport.Config) {
	if p.MaxIdleTimeout > 0 {
		c.Params.MaxIdleTimeout = time.Duration(p.MaxIdleTimeout)
	}
	if p.InitialMaxData > 0 {
		c.Params.InitialMaxData = p.InitialMaxData
	}
	if p.InitialMaxStreamDataBidiLocal > 0 {
		c.Params.InitialMaxStreamDataBidiLocal = p.InitialMaxStreamDataBidiLocal
	}
	if p.InitialMaxStreamDataBidiRemote > 0 {
		c.Params.InitialMaxStreamDataBidiRemote = p.InitialMaxStreamDataBidiRemote
	}
	if p.InitialMaxStreamDataUni > 0 {
		c.Params.InitialMaxStreamDataUni = p.InitialMaxStreamDataUni
	}
	if p.InitialMaxStreamsBidi > 0 {
		c.Params.InitialMaxStreamsBidi = p.InitialMaxStreamsBidi
	}
	if p.InitialMaxStreamsUni > 0 {
		c.Params.InitialMaxStreamsUni = p.InitialMaxStreamsUni
	}
	if p.MaxDatagramPayloadSize > 0 {
		c.Params.MaxDatagramPayloadSize = p.MaxDatagramPayloadSize
	}
}
