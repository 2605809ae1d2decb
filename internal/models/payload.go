package models

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// LocalHandlePrefix marks an image reference that has not been uploaded
// yet. Payload string values starting with this prefix must never be
// transmitted to the server.
const LocalHandlePrefix = "local://"

// LocalImageHandles returns every distinct local image handle referenced
// anywhere in the payload, in first-seen order.
func LocalImageHandles(payload json.RawMessage) []string {
	seen := make(map[string]struct{})

	var handles []string

	var walk func(v gjson.Result)
	walk = func(v gjson.Result) {
		if v.Type == gjson.String {
			if strings.HasPrefix(v.Str, LocalHandlePrefix) {
				if _, ok := seen[v.Str]; !ok {
					seen[v.Str] = struct{}{}

					handles = append(handles, v.Str)
				}
			}

			return
		}

		if v.IsObject() || v.IsArray() {
			v.ForEach(func(_, child gjson.Result) bool {
				walk(child)
				return true
			})
		}
	}

	walk(gjson.ParseBytes(payload))

	return handles
}

// ReferencesHandle reports whether the payload contains the given
// local handle as a string value.
func ReferencesHandle(payload json.RawMessage, handle string) bool {
	return bytes.Contains(payload, quoted(handle))
}

// RewriteImageHandle replaces every occurrence of a local handle with
// the permanent server reference. Handles embed a uuid, so a quoted
// byte-level replacement cannot collide with other payload content.
func RewriteImageHandle(payload json.RawMessage, handle, serverRef string) json.RawMessage {
	return bytes.ReplaceAll(payload, quoted(handle), quoted(serverRef))
}

// StripImageHandles blanks the given handles out of a copy of the
// payload. Used on the outgoing copy of a record whose images have not
// all uploaded yet; the local copy keeps the handles for later retry.
func StripImageHandles(payload json.RawMessage, handles []string) json.RawMessage {
	out := payload
	for _, h := range handles {
		out = bytes.ReplaceAll(out, quoted(h), []byte(`""`))
	}

	return out
}

func quoted(s string) []byte {
	return []byte(`"` + s + `"`)
}
