// Kiln is an agent-operated control plane for heterogeneous 3D-printer fleets.
// Copyright (C) 2026  Kiln Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package safety

import (
	"fmt"
	"strings"
	"testing"

	"kiln/pkg/models"
)

func ender3Profile(t *testing.T) models.SafetyProfile {
	t.Helper()
	ps, err := NewProfileStore()
	if err != nil {
		t.Fatalf("NewProfileStore: %v", err)
	}
	return ps.Get("ender3")
}

func TestValidateGCodeHotendOverLimit(t *testing.T) {
	profile := ender3Profile(t)
	res := ValidateGCode([]string{"M104 S280"}, profile, ModeStrict, true)

	if res.OK() {
		t.Fatal("expected rejection for hotend over profile limit")
	}
	if len(res.Rejections) != 1 {
		t.Fatalf("expected 1 rejection, got %d", len(res.Rejections))
	}
	want := "exceeds max hotend (260)"
	if res.Rejections[0].Reason != want {
		t.Errorf("reason = %q, want %q", res.Rejections[0].Reason, want)
	}
	if len(res.Accepted) != 0 {
		t.Errorf("nothing should be accepted, got %v", res.Accepted)
	}
}

func TestValidateGCodeBedAndChamberLimits(t *testing.T) {
	profile := models.SafetyProfile{ID: "test", MaxHotendC: 300, MaxBedC: 110, MaxChamberC: 60}

	res := ValidateGCode([]string{"M140 S150", "M141 S80", "M190 S100"}, profile, ModeStrict, true)
	if len(res.Rejections) != 2 {
		t.Fatalf("expected 2 rejections, got %d: %v", len(res.Rejections), res.Rejections)
	}
	if !strings.Contains(res.Rejections[0].Reason, "exceeds max bed") {
		t.Errorf("first rejection = %q", res.Rejections[0].Reason)
	}
	if !strings.Contains(res.Rejections[1].Reason, "exceeds max chamber") {
		t.Errorf("second rejection = %q", res.Rejections[1].Reason)
	}
	// M190 S100 is within limits and survives.
	if len(res.Accepted) != 1 || res.Accepted[0] != "M190 S100" {
		t.Errorf("accepted = %v", res.Accepted)
	}
}

func TestValidateGCodeChamberIgnoredWhenUnlimited(t *testing.T) {
	profile := models.SafetyProfile{ID: "test", MaxHotendC: 300, MaxBedC: 110, MaxChamberC: 0}
	res := ValidateGCode([]string{"M141 S200"}, profile, ModeStrict, true)
	if !res.OK() {
		t.Fatalf("open-frame printer has no chamber limit; got %v", res.Rejections)
	}
}

func TestValidateGCodeBlockedCommands(t *testing.T) {
	profile := ender3Profile(t)
	for _, line := range []string{"M502", "M997", "M552 S1", "M553 P192.168.1.50", "M554 P192.168.1.1"} {
		for _, mode := range []ValidateMode{ModeStrict, ModeDryRun} {
			res := ValidateGCode([]string{line}, profile, mode, true)
			if res.OK() {
				t.Errorf("%s should be rejected in %s mode", line, mode)
			}
		}
	}
}

func TestValidateGCodeUnknownCommand(t *testing.T) {
	profile := ender3Profile(t)

	strict := ValidateGCode([]string{"M9999"}, profile, ModeStrict, true)
	if strict.OK() {
		t.Error("strict mode should reject unknown commands")
	}

	dry := ValidateGCode([]string{"M9999"}, profile, ModeDryRun, true)
	if !dry.OK() {
		t.Errorf("dry-run should downgrade unknown commands to warnings, got %v", dry.Rejections)
	}
	if len(dry.Warnings) != 1 {
		t.Errorf("expected 1 warning, got %d", len(dry.Warnings))
	}
}

func TestValidateGCodeM501RequiresPriorM500(t *testing.T) {
	profile := ender3Profile(t)

	res := ValidateGCode([]string{"M501"}, profile, ModeStrict, true)
	if res.OK() {
		t.Error("bare M501 should be rejected")
	}

	res = ValidateGCode([]string{"M500", "M501"}, profile, ModeStrict, true)
	if !res.OK() {
		t.Errorf("M501 after M500 should pass, got %v", res.Rejections)
	}
}

func TestValidateGCodeColdExtrusionWarning(t *testing.T) {
	profile := ender3Profile(t)

	res := ValidateGCode([]string{"M104 S120", "G1 X10 E5"}, profile, ModeStrict, true)
	if !res.OK() {
		t.Fatalf("cold extrusion is a warning, not a rejection: %v", res.Rejections)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a cold-extrusion warning")
	}
	if !strings.Contains(res.Warnings[0].Reason, "below") {
		t.Errorf("warning = %q", res.Warnings[0].Reason)
	}

	// Same low target with no extrusion afterwards: no warning.
	res = ValidateGCode([]string{"M104 S120", "G1 X10"}, profile, ModeStrict, true)
	if len(res.Warnings) != 0 {
		t.Errorf("no extrusion follows, expected no warning, got %v", res.Warnings)
	}
}

func TestValidateGCodeInteractiveBatchCap(t *testing.T) {
	profile := ender3Profile(t)

	lines := make([]string, MaxInteractiveBatch+1)
	for i := range lines {
		lines[i] = fmt.Sprintf("G1 X%d", i)
	}

	res := ValidateGCode(lines, profile, ModeStrict, true)
	if res.OK() {
		t.Fatal("oversized interactive batch should be rejected")
	}
	if !strings.Contains(res.Rejections[0].Reason, "BATCH_TOO_LARGE") {
		t.Errorf("reason = %q", res.Rejections[0].Reason)
	}
	if len(res.Accepted) != 0 {
		t.Error("an oversized batch accepts nothing")
	}

	// File-path validation has no cap.
	res = ValidateGCode(lines, profile, ModeStrict, false)
	if !res.OK() {
		t.Errorf("non-interactive stream should not hit the cap: %v", res.Rejections)
	}
}

func TestValidateGCodeCommentsAndBlanks(t *testing.T) {
	profile := ender3Profile(t)
	res := ValidateGCode([]string{
		"; pure comment",
		"",
		"   ",
		"G28 ; home all",
		"M104 S200",
	}, profile, ModeStrict, true)
	if !res.OK() {
		t.Fatalf("unexpected rejections: %v", res.Rejections)
	}
	if len(res.Accepted) != 2 {
		t.Errorf("accepted = %v, want the two real commands", res.Accepted)
	}
}

func TestValidateGCodeZMoveBeforeHome(t *testing.T) {
	profile := ender3Profile(t)

	res := ValidateGCode([]string{"G1 Z5", "G1 Z10"}, profile, ModeStrict, true)
	if !res.OK() {
		t.Fatalf("Z before home is a warning: %v", res.Rejections)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("expected one warning for the whole stream, got %d", len(res.Warnings))
	}

	res = ValidateGCode([]string{"G28", "G1 Z5"}, profile, ModeStrict, true)
	if len(res.Warnings) != 0 {
		t.Errorf("homed stream should not warn, got %v", res.Warnings)
	}
}

func TestValidateGCodeFeedrateWarning(t *testing.T) {
	profile := models.SafetyProfile{ID: "test", MaxHotendC: 300, MaxBedC: 110, MaxFeedrateMMMin: 12000}
	res := ValidateGCode([]string{"G1 X10 F30000"}, profile, ModeStrict, true)
	if !res.OK() {
		t.Fatalf("feedrate excess is a warning: %v", res.Rejections)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("expected feedrate warning, got %v", res.Warnings)
	}
}

func TestValidateGCodeNegativeTemps(t *testing.T) {
	profile := ender3Profile(t)
	res := ValidateGCode([]string{"M104 S-10", "M140 S-5"}, profile, ModeStrict, true)
	if len(res.Rejections) != 2 {
		t.Fatalf("negative targets must be rejected, got %v", res.Rejections)
	}
}

func TestParseCommandNormalizesLeadingZeros(t *testing.T) {
	code, args := parseCommand("G01 X10.5 F1500")
	if code != "G1" {
		t.Errorf("code = %q, want G1", code)
	}
	if args['X'] != 10.5 || args['F'] != 1500 {
		t.Errorf("args = %v", args)
	}
}
