package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// Schema checks configuration documents against the built-in CUE
// definition before they are decoded. It rejects unknown keys and badly
// formed durations that a plain decode would ignore or misreport.
type Schema struct {
	mu  sync.Mutex
	ctx *cue.Context
	def cue.Value
}

// NewSchema compiles the built-in configuration schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()

	val := ctx.CompileString(builtinConfigSchema, cue.Filename("storyboard.schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("config schema has no #Config: %w", err)
	}

	return &Schema{ctx: ctx, def: def}, nil
}

// CompileCUE compiles CUE source and checks it against the schema.
func (s *Schema) CompileCUE(filename string, src []byte) (cue.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val := s.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to parse %s: %s", filename, details(err))
	}
	return s.check(val)
}

// Validate checks a decoded document (e.g. from YAML) against the schema.
func (s *Schema) Validate(doc map[string]interface{}) (cue.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val := s.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to encode config: %w", err)
	}
	return s.check(val)
}

func (s *Schema) check(val cue.Value) (cue.Value, error) {
	unified := s.def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, fmt.Errorf("config does not match schema: %s", details(err))
	}
	return unified, nil
}

func details(err error) string {
	return cueerrors.Details(err, nil)
}

const builtinConfigSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	server?: {
		addr?:                string & !=""
		read_header_timeout?: #Duration
		read_timeout?:        #Duration
		write_timeout?:       #Duration
		shutdown_timeout?:    #Duration
		max_upload_bytes?:    int & >0
	}

	database?: {
		path?:              string & !=""
		file_mode?:         string & =~"^0?[0-7]{3}$"
		swap_timeout?:      #Duration
		keep_backup?:       bool
		watch?:             bool
		busy_timeout?:      #Duration
		max_open_conns?:    int & >=1
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: #Duration
	}

	telemetry?: {
		service_name?:    string & !=""
		service_version?: string
		environment?:     string

		logging?: {
			level?:         "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?:        "console" | "json"
			output?:        string
			enable_caller?: bool
			time_format?:   "unix" | "unixms" | "rfc3339"
		}

		tracing?: {
			enabled?:        bool
			exporter?:       "otlp" | "stdout" | "none"
			endpoint?:       string
			sampling_rate?:  number & >=0 & <=1
			export_timeout?: #Duration
			headers?: {[string]: string}
			insecure?: bool
		}

		metrics?: {
			enabled?:   bool
			path?:      string & =~"^/"
			namespace?: string
			buckets?: [...number]
		}
	}
}
`
