package toolproto

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/valethq/valet/internal/permission"
	"github.com/valethq/valet/internal/tools"
	"github.com/valethq/valet/pkg/api"
)

const maxBridgedNameLen = 64

var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// RegisterTools lists the client's tools and registers each one with the
// registry under a collision-free "ext_<server>_<tool>" name. Returns the
// registered names.
func RegisterTools(ctx context.Context, reg *tools.Registry, client *Client) ([]string, error) {
	descriptors, err := client.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Name < descriptors[j].Name })

	used := make(map[string]struct{})
	registered := make([]string, 0, len(descriptors))
	for _, desc := range descriptors {
		name := bridgedToolName(client.ServerID(), desc.Name, used)
		if err := reg.Register(bridgeSpec(client, desc, name)); err != nil {
			return registered, err
		}
		registered = append(registered, name)
	}
	return registered, nil
}

func bridgeSpec(client *Client, desc ToolDescriptor, name string) tools.Spec {
	schema := desc.InputSchema
	if len(schema) == 0 {
		schema = emptyObjectSchema
	}

	description := strings.TrimSpace(desc.Description)
	if description == "" {
		description = fmt.Sprintf("External tool %s.%s", client.ServerID(), desc.Name)
	} else {
		description = fmt.Sprintf("External tool %s.%s: %s", client.ServerID(), desc.Name, description)
	}

	remoteName := desc.Name
	return tools.Spec{
		Name:             name,
		Description:      description,
		RawSchema:        schema,
		Permission:       permission.Local,
		NetworkDependent: true,
		Timeout:          DefaultTimeout,
		Handler: func(ctx context.Context, args map[string]any) tools.Result {
			result, err := client.CallTool(ctx, remoteName, args)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return tools.Fail(api.ErrTimeout, "tool server call timed out")
				}
				return tools.Fail(api.ErrTransient, err.Error())
			}
			text := FlattenResult(result)
			if result.IsError {
				return tools.Fail(api.ErrInternal, text)
			}
			return tools.Ok(text)
		},
	}
}

// bridgedToolName derives a registry-safe name and keeps it unique within
// one registration pass. Over-long or colliding names get a short hash
// suffix so the same server always produces the same names.
func bridgedToolName(serverID, toolName string, used map[string]struct{}) string {
	base := "ext_" + sanitizeNamePart(serverID) + "_" + sanitizeNamePart(toolName)
	name := base
	if len(name) > maxBridgedNameLen {
		name = truncateWithHash(base, serverID, toolName)
	}
	if _, exists := used[name]; exists {
		name = truncateWithHash(base, serverID, toolName)
	}
	used[name] = struct{}{}
	return name
}

func sanitizeNamePart(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	underscore := false
	for _, r := range value {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			underscore = false
		default:
			if !underscore {
				b.WriteByte('_')
				underscore = true
			}
		}
	}
	clean := strings.Trim(b.String(), "_")
	if clean == "" {
		return "tool"
	}
	return clean
}

func nameHash(serverID, toolName string) string {
	sum := sha1.Sum([]byte(serverID + ":" + toolName))
	return hex.EncodeToString(sum[:])[:8]
}

func truncateWithHash(base, serverID, toolName string) string {
	suffix := "_" + nameHash(serverID, toolName)
	if len(base)+len(suffix) <= maxBridgedNameLen {
		return base + suffix
	}
	trimLen := maxBridgedNameLen - len(suffix)
	if trimLen > len(base) {
		trimLen = len(base)
	}
	return base[:trimLen] + suffix
}
