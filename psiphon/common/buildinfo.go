/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"encoding/json"
	"runtime"
	"runtime/debug"
	"strings"
)

/*
These values may be filled in at build time using the `-X` option to the Go
linker, like `-ldflags "-X var1=abc -X var2=xyz"`. Unset values fall back to
the module build information embedded by the Go toolchain, where available.
Any passed value must contain no whitespace.
*/
// -X github.com/Psiphon-Labs/psiphon-sockets/psiphon/common.buildDate=`date --iso-8601=seconds`
var buildDate string

// -X github.com/Psiphon-Labs/psiphon-sockets/psiphon/common.buildRepo=`git config --get remote.origin.url`
var buildRepo string

// -X github.com/Psiphon-Labs/psiphon-sockets/psiphon/common.buildRev=`git rev-parse --short HEAD`
var buildRev string

// BuildInfo is the build information reported by ConsoleSockets -version
// and logged at startup.
type BuildInfo struct {
	BuildDate    string            `json:"buildDate"`
	BuildRepo    string            `json:"buildRepo"`
	BuildRev     string            `json:"buildRev"`
	GoVersion    string            `json:"goVersion"`
	Dependencies map[string]string `json:"dependencies"`
}

// ToLogFields returns the build information as LogFields.
func (bi *BuildInfo) ToLogFields() LogFields {
	return LogFields{
		"build_date": bi.BuildDate,
		"build_repo": bi.BuildRepo,
		"build_rev":  bi.BuildRev,
		"go_version": bi.GoVersion,
	}
}

// String returns the build information as JSON.
func (bi *BuildInfo) String() string {
	encoded, _ := json.Marshal(bi)
	return string(encoded)
}

// GetBuildInfo returns the build information for this binary.
func GetBuildInfo() *BuildInfo {

	buildInfo := &BuildInfo{
		BuildDate:    strings.TrimSpace(buildDate),
		BuildRepo:    strings.TrimSpace(buildRepo),
		BuildRev:     strings.TrimSpace(buildRev),
		GoVersion:    runtime.Version(),
		Dependencies: make(map[string]string),
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return buildInfo
	}

	for _, dep := range info.Deps {
		buildInfo.Dependencies[dep.Path] = dep.Version
	}

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if buildInfo.BuildRev == "" {
				buildInfo.BuildRev = setting.Value
			}
		case "vcs.time":
			if buildInfo.BuildDate == "" {
				buildInfo.BuildDate = setting.Value
			}
		}
	}

	return buildInfo
}
