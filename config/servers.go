package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Server describes one worker: the argument vector to launch and the
// environment overrides to give it.
type Server struct {
	Name        string            `yaml:"-"`
	Description string            `yaml:"description,omitempty"`
	Command     []string          `yaml:"command"`
	Env         map[string]string `yaml:"env,omitempty"`
}

type serversFile struct {
	Servers map[string]Server `yaml:"servers"`
}

// LoadServers reads and parses a worker definitions file. ${VAR} references
// in commands and env values are expanded from the process environment.
func LoadServers(path string) (map[string]Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read servers file: %w", err)
	}
	servers, err := ParseServers(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return servers, nil
}

// ParseServers parses a worker definitions document. lookup resolves ${VAR}
// references; unknown variables expand to the empty string.
//
//	servers:
//	  amap:
//	    command: ["uvx", "amap-mcp-server"]
//	    env:
//	      AMAP_MAPS_API_KEY: ${AMAP_MAPS_API_KEY}
func ParseServers(data []byte, lookup func(string) (string, bool)) (map[string]Server, error) {
	var doc serversFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse servers: %w", err)
	}

	expand := func(s string) string {
		return os.Expand(s, func(name string) string {
			v, _ := lookup(name)
			return v
		})
	}

	out := make(map[string]Server, len(doc.Servers))
	for name, srv := range doc.Servers {
		if name == "" {
			return nil, errors.New("server with empty name")
		}
		if len(srv.Command) == 0 || srv.Command[0] == "" {
			return nil, fmt.Errorf("server %q: command is required", name)
		}
		srv.Name = name
		cmd := make([]string, len(srv.Command))
		for i, arg := range srv.Command {
			cmd[i] = expand(arg)
		}
		srv.Command = cmd
		if len(srv.Env) > 0 {
			env := make(map[string]string, len(srv.Env))
			for k, v := range srv.Env {
				env[k] = expand(v)
			}
			srv.Env = env
		}
		out[name] = srv
	}
	return out, nil
}

// Names returns the server names in sorted order.
func Names(servers map[string]Server) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
