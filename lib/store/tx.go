// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"zombiezen.com/go/sqlite"
)

// Tx is an open IMMEDIATE transaction. It is valid only inside the
// function passed to [Store.Transact] and must not be retained.
type Tx struct {
	conn  *sqlite.Conn
	store *Store
}
