// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package kernel

import "errors"

func uname() (string, error) {
	return "", errors.New("kernel release unavailable on this platform")
}
