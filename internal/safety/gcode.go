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
	"strconv"
	"strings"

	"kiln/pkg/models"
)

// ValidateMode selects how unknown commands are treated.
type ValidateMode string

const (
	// ModeStrict rejects unknown G/M codes.
	ModeStrict ValidateMode = "strict"
	// ModeDryRun downgrades unknown G/M codes to warnings.
	ModeDryRun ValidateMode = "dry_run"
)

// MaxInteractiveBatch caps a single interactive send_gcode call. File
// uploads are not subject to the cap.
const MaxInteractiveBatch = 100

// coldExtrusionThresholdC is the hotend target below which extrusion moves
// risk grinding filament.
const coldExtrusionThresholdC = 150.0

// Issue is one classified line.
type Issue struct {
	LineNo  int    `json:"line_no"`
	Command string `json:"command"`
	Reason  string `json:"reason"`
}

// GCodeResult is the outcome of screening a G-code stream. The validator
// never executes anything; it only classifies.
type GCodeResult struct {
	Accepted   []string `json:"accepted"`
	Rejections []Issue  `json:"rejections"`
	Warnings   []Issue  `json:"warnings"`
}

// OK reports whether every line was accepted.
func (r GCodeResult) OK() bool { return len(r.Rejections) == 0 }

// knownCodes is the command vocabulary the validator understands. Anything
// outside it is rejected in strict mode and warned about in dry-run.
var knownCodes = map[string]struct{}{
	"G0": {}, "G1": {}, "G2": {}, "G3": {}, "G4": {}, "G10": {}, "G11": {},
	"G17": {}, "G18": {}, "G19": {}, "G20": {}, "G21": {}, "G28": {},
	"G29": {}, "G90": {}, "G91": {}, "G92": {},
	"M17": {}, "M18": {}, "M20": {}, "M24": {}, "M25": {}, "M82": {},
	"M83": {}, "M84": {}, "M92": {}, "M104": {}, "M105": {}, "M106": {},
	"M107": {}, "M109": {}, "M114": {}, "M115": {}, "M117": {}, "M140": {},
	"M141": {}, "M190": {}, "M191": {}, "M200": {}, "M201": {}, "M203": {},
	"M204": {}, "M205": {}, "M220": {}, "M221": {}, "M226": {}, "M290": {},
	"M400": {}, "M420": {}, "M500": {}, "M501": {}, "M502": {}, "M503": {},
	"M552": {}, "M553": {}, "M554": {}, "M600": {}, "M900": {}, "M997": {},
}

// blockedAlways are commands that can brick or reconfigure the machine.
var blockedAlways = map[string]string{
	"M502": "restores factory defaults",
	"M997": "triggers a firmware upgrade",
	"M552": "reconfigures networking",
	"M553": "reconfigures networking",
	"M554": "reconfigures networking",
}

// ValidateGCode screens lines against profile. Comments after ';' are
// stripped and blank lines skipped; line numbers in issues are zero-based
// indexes into the input. interactive applies the batch cap.
func ValidateGCode(lines []string, profile models.SafetyProfile, mode ValidateMode, interactive bool) GCodeResult {
	var res GCodeResult

	if interactive && len(lines) > MaxInteractiveBatch {
		res.Rejections = append(res.Rejections, Issue{
			LineNo:  0,
			Command: "",
			Reason:  fmt.Sprintf("BATCH_TOO_LARGE: %d commands exceed the interactive cap of %d", len(lines), MaxInteractiveBatch),
		})
		return res
	}

	type parsed struct {
		lineNo int
		raw    string
		code   string
		args   map[byte]float64
	}

	cmds := make([]parsed, 0, len(lines))
	for i, raw := range lines {
		stripped := raw
		if idx := strings.IndexByte(stripped, ';'); idx >= 0 {
			stripped = stripped[:idx]
		}
		stripped = strings.TrimSpace(stripped)
		if stripped == "" {
			continue
		}
		code, args := parseCommand(stripped)
		cmds = append(cmds, parsed{lineNo: i, raw: strings.TrimSpace(raw), code: code, args: args})
	}

	// Stream facts needed by the lookahead rules.
	extrudesAfter := make([]bool, len(cmds)) // extrusion at or after index
	sawExtrude := false
	for i := len(cmds) - 1; i >= 0; i-- {
		if isExtrusionMove(cmds[i].code, cmds[i].args) {
			sawExtrude = true
		}
		extrudesAfter[i] = sawExtrude
	}

	sawSettingsWrite := false // a prior M500 in this stream
	sawHome := false

	for i, c := range cmds {
		reject := func(reason string) {
			res.Rejections = append(res.Rejections, Issue{LineNo: c.lineNo, Command: c.raw, Reason: reason})
		}
		warn := func(reason string) {
			res.Warnings = append(res.Warnings, Issue{LineNo: c.lineNo, Command: c.raw, Reason: reason})
		}

		if c.code == "" {
			if mode == ModeStrict {
				reject("unparseable command")
			} else {
				warn("unparseable command")
			}
			continue
		}

		if why, blocked := blockedAlways[c.code]; blocked {
			reject(fmt.Sprintf("%s %s", c.code, why))
			continue
		}

		if _, known := knownCodes[c.code]; !known {
			if mode == ModeStrict {
				reject(fmt.Sprintf("unknown command %s", c.code))
			} else {
				warn(fmt.Sprintf("unknown command %s", c.code))
			}
			continue
		}

		rejected := false
		switch c.code {
		case "M500":
			sawSettingsWrite = true
		case "M501":
			if !sawSettingsWrite {
				reject("M501 restores EEPROM settings without a prior M500 write")
				rejected = true
			}
		case "M104", "M109":
			if s, ok := c.args['S']; ok {
				switch {
				case s < 0:
					reject(fmt.Sprintf("negative hotend target (%g)", s))
					rejected = true
				case s > profile.MaxHotendC:
					reject(fmt.Sprintf("exceeds max hotend (%g)", profile.MaxHotendC))
					rejected = true
				case s > 0 && s < coldExtrusionThresholdC && extrudesAfter[i]:
					warn(fmt.Sprintf("hotend target %g below %g with extrusion later in stream", s, coldExtrusionThresholdC))
				}
			}
		case "M140", "M190":
			if s, ok := c.args['S']; ok {
				switch {
				case s < 0:
					reject(fmt.Sprintf("negative bed target (%g)", s))
					rejected = true
				case s > profile.MaxBedC:
					reject(fmt.Sprintf("exceeds max bed (%g)", profile.MaxBedC))
					rejected = true
				}
			}
		case "M141", "M191":
			if s, ok := c.args['S']; ok && profile.MaxChamberC > 0 && s > profile.MaxChamberC {
				reject(fmt.Sprintf("exceeds max chamber (%g)", profile.MaxChamberC))
				rejected = true
			}
		case "G28":
			sawHome = true
		case "G0", "G1":
			if z, ok := c.args['Z']; ok && z != 0 && !sawHome {
				warn("move with non-zero Z before any G28 home")
				sawHome = true // one warning per stream is enough
			}
			if f, ok := c.args['F']; ok && profile.MaxFeedrateMMMin > 0 && f > profile.MaxFeedrateMMMin {
				warn(fmt.Sprintf("feedrate %g exceeds profile max %g mm/min", f, profile.MaxFeedrateMMMin))
			}
		case "M220", "M221":
			if s, ok := c.args['S']; ok && s > 200 {
				warn(fmt.Sprintf("%s override of %g%% is suspicious", c.code, s))
			}
		}

		if !rejected {
			res.Accepted = append(res.Accepted, c.raw)
		}
	}

	return res
}

// parseCommand splits "M104 S210 T0" into code "M104" and letter args.
// Returns an empty code when the line does not start with a G/M/T word.
func parseCommand(line string) (string, map[byte]float64) {
	fields := strings.Fields(strings.ToUpper(line))
	if len(fields) == 0 {
		return "", nil
	}
	head := fields[0]
	if len(head) < 2 {
		return "", nil
	}
	switch head[0] {
	case 'G', 'M', 'T':
	default:
		return "", nil
	}
	if _, err := strconv.Atoi(head[1:]); err != nil {
		return "", nil
	}
	// Normalize G01 → G1.
	n, _ := strconv.Atoi(head[1:])
	code := fmt.Sprintf("%c%d", head[0], n)

	args := make(map[byte]float64)
	for _, f := range fields[1:] {
		if len(f) < 2 {
			continue
		}
		letter := f[0]
		if letter < 'A' || letter > 'Z' {
			continue
		}
		if v, err := strconv.ParseFloat(f[1:], 64); err == nil {
			args[letter] = v
		}
	}
	return code, args
}

func isExtrusionMove(code string, args map[byte]float64) bool {
	if code != "G0" && code != "G1" {
		return false
	}
	e, ok := args['E']
	return ok && e > 0
}
