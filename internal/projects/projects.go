// Package projects stores tenant definitions and their per-platform
// credentials. Two backends exist: a YAML file and Postgres.
package projects

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
)

// Record is the persisted shape of a project.
type Record struct {
	Name     string                   `yaml:"name" validate:"required,max=128,excludesall=/\\"`
	Channels map[string]ChannelRecord `yaml:"channels,omitempty" validate:"dive,keys,required,endkeys"`
}

// ChannelRecord holds one platform credential.
type ChannelRecord struct {
	Token     string            `yaml:"token,omitempty"`
	AutoStart bool              `yaml:"auto_start,omitempty"`
	Options   map[string]string `yaml:"options,omitempty"`
}

// Summary describes a project without exposing credentials.
type Summary struct {
	Name     string
	Channels []ChannelSummary
}

type ChannelSummary struct {
	Type      channel.ChannelType
	HasToken  bool
	AutoStart bool
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a record before it is stored.
func (r Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid project %q: %w", r.Name, err)
	}
	return nil
}

// ToProject converts the record to the channel model.
func (r Record) ToProject() channel.Project {
	p := channel.Project{
		Name:     strings.TrimSpace(r.Name),
		Channels: make(map[channel.ChannelType]channel.ChannelSettings, len(r.Channels)),
	}
	for ct, c := range r.Channels {
		p.Channels[channel.ChannelType(strings.ToLower(strings.TrimSpace(ct)))] = channel.ChannelSettings{
			Token:     strings.TrimSpace(c.Token),
			AutoStart: c.AutoStart,
			Options:   copyOptions(c.Options),
		}
	}
	return p
}

// FromProject converts the channel model to a record.
func FromProject(p channel.Project) Record {
	r := Record{Name: strings.TrimSpace(p.Name)}
	if len(p.Channels) > 0 {
		r.Channels = make(map[string]ChannelRecord, len(p.Channels))
	}
	for ct, s := range p.Channels {
		r.Channels[ct.String()] = ChannelRecord{
			Token:     s.Token,
			AutoStart: s.AutoStart,
			Options:   copyOptions(s.Options),
		}
	}
	return r
}

// Summarize lists the platforms configured for p, sorted by type.
func Summarize(p channel.Project) Summary {
	s := Summary{Name: p.Name, Channels: make([]ChannelSummary, 0, len(p.Channels))}
	for ct, settings := range p.Channels {
		s.Channels = append(s.Channels, ChannelSummary{
			Type:      ct,
			HasToken:  settings.Token != "",
			AutoStart: settings.AutoStart,
		})
	}
	sort.Slice(s.Channels, func(i, j int) bool { return s.Channels[i].Type < s.Channels[j].Type })
	return s
}

func copyOptions(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortProjects(items []channel.Project) {
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
}
