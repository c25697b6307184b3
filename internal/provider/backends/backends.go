// Package backends wires every built-in provider backend into the registry.
package backends

import (
	"github.com/muxden/muxden/internal/provider/dockerbackend"
	"github.com/muxden/muxden/internal/provider/local"
	"github.com/muxden/muxden/internal/provider/sprites"
	"github.com/muxden/muxden/internal/provider/sshbackend"
)

// RegisterAll installs the built-in backend factories. Call once at
// start-up, before any provider instance is created.
func RegisterAll(enabled []string) {
	on := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		on[name] = true
	}
	if on["local"] {
		local.Register()
	}
	if on["docker"] {
		dockerbackend.Register()
	}
	if on["ssh"] {
		sshbackend.Register()
	}
	if on["cloud-sandbox"] {
		sprites.Register()
	}
}
