// Package persona loads the assistant persona: its display name, the system
// prompt sent with every request and the greeting that opens a conversation.
package persona

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultName     = "Montana AI"
	DefaultSystem   = "Eres Montana AI, un asistente virtual amigable y servicial."
	DefaultGreeting = "¡Hola! Soy Montana AI. ¿En qué puedo ayudarte hoy?"
)

// Persona represents the structure of a TOML persona file.
type Persona struct {
	Name     string `toml:"name"`
	System   string `toml:"system"`
	Greeting string `toml:"greeting"`
}

// Default returns the built-in persona.
func Default() Persona {
	return Persona{Name: DefaultName, System: DefaultSystem, Greeting: DefaultGreeting}
}

// Load reads a persona file. Fields missing from the file keep their
// defaults. An empty path returns Default().
func Load(path string) (Persona, error) {
	p := Default()
	if path == "" {
		return p, nil
	}

	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return Persona{}, fmt.Errorf("decode persona file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Persona{}, fmt.Errorf("unknown persona keys: %s", strings.Join(keys, ", "))
	}

	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		p.Name = DefaultName
	}
	return p, nil
}
