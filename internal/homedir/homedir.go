// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package homedir locates the user's home directory.
package homedir

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

func Get() string {
	h := os.Getenv("HOME")
	if h != "" {
		return h
	}

	usr, err := user.Current()
	if err != nil {
		panic(err)
	}
	return usr.HomeDir
}

// Expand replaces a leading "~/" in path with the home directory.
func Expand(path string) string {
	if path == "~" {
		return Get()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(Get(), path[2:])
	}
	return path
}
