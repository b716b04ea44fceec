package backend

import (
	"context"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ParamTypeFile marks a tool parameter that takes input artifacts.
const ParamTypeFile = "File"

// ToolParameter is one declared input of a tool: its type, optional
// default, optional classification filter and ordering key.
type ToolParameter struct {
	Name       string   `json:"name" yaml:"name"`
	Type       string   `json:"type" yaml:"type"`
	Default    string   `json:"default,omitempty" yaml:"default,omitempty"`
	HasDefault bool     `json:"-" yaml:"-"`
	Filter     []string `json:"filter,omitempty" yaml:"filter,omitempty"`
	Position   int      `json:"position" yaml:"position"`
}

// Tool is a catalog entry with its declared parameters sorted by
// position, then name.
type Tool struct {
	CID           string          `json:"cid" yaml:"cid"`
	Name          string          `json:"name" yaml:"name"`
	WalletAddress string          `json:"wallet_address,omitempty" yaml:"wallet_address,omitempty"`
	Parameters    []ToolParameter `json:"parameters" yaml:"parameters"`
}

// DefaultKwargs returns the initial kwargs a job-creation form starts
// from: every non-file parameter with a default, wrapped in a slice.
func (t Tool) DefaultKwargs() map[string][]string {
	kwargs := make(map[string][]string)
	for _, p := range t.Parameters {
		if p.Type == ParamTypeFile || !p.HasDefault {
			continue
		}
		kwargs[p.Name] = []string{p.Default}
	}
	return kwargs
}

type toolPayload struct {
	CID           string `json:"CID"`
	Name          string `json:"Name"`
	WalletAddress string `json:"WalletAddress"`
	ToolJSON      struct {
		Inputs map[string]struct {
			Type     string      `json:"type"`
			Default  *flexString `json:"default"`
			Glob     []string    `json:"glob"`
			Position flexString  `json:"position"`
		} `json:"inputs"`
	} `json:"ToolJson"`
}

func (p toolPayload) tool() Tool {
	t := Tool{CID: p.CID, Name: p.Name, WalletAddress: p.WalletAddress}
	for name, in := range p.ToolJSON.Inputs {
		param := ToolParameter{
			Name:     name,
			Type:     in.Type,
			Filter:   in.Glob,
			Position: math.MaxInt32,
		}
		if in.Default != nil {
			param.Default = string(*in.Default)
			param.HasDefault = true
		}
		if pos, err := strconv.Atoi(strings.TrimSpace(string(in.Position))); err == nil {
			param.Position = pos
		}
		t.Parameters = append(t.Parameters, param)
	}
	sort.Slice(t.Parameters, func(i, j int) bool {
		a, b := t.Parameters[i], t.Parameters[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.Name < b.Name
	})
	return t
}

// ListTools fetches the tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}

	var payload []toolPayload
	if err := c.getJSON(ctx, c.endpoint("tools"), false, &payload); err != nil {
		return nil, err
	}

	tools := make([]Tool, 0, len(payload))
	for _, p := range payload {
		tools = append(tools, p.tool())
	}
	return tools, nil
}
