// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestWithComponentTagsLines(t *testing.T) {
	var buf bytes.Buffer
	root := New(&buf)
	child := root.WithComponent("groupmgr")

	child.Info("query sent", "port", 3)

	out := buf.String()
	if !strings.Contains(out, "component=groupmgr") {
		t.Errorf("expected component tag in output, got: %s", out)
	}
	if !strings.Contains(out, "query sent") {
		t.Errorf("expected message in output, got: %s", out)
	}
}

func TestWithAddsKeyValues(t *testing.T) {
	var buf bytes.Buffer
	root := New(&buf)
	child := root.With("switch", "0xA")

	child.Warn("port down")

	if !strings.Contains(buf.String(), "switch=0xA") {
		t.Errorf("expected switch=0xA in output, got: %s", buf.String())
	}
}
