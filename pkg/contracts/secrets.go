// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package contracts

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrSecretMismatch is returned when a presented client secret does not
// match the stored hash.
var ErrSecretMismatch = errors.New("client secret mismatch")

// HashClientSecret produces the bcrypt hash stored in a ClientContract.
// Used by provisioning tooling and tests; the server never sees plaintext
// secrets at rest.
func HashClientSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing client secret: %w", err)
	}
	return string(hash), nil
}

// VerifyClientSecret compares a presented secret against the contract's
// stored hash. bcrypt comparison is constant-time over the hash input.
func VerifyClientSecret(c *ClientContract, presented string) error {
	if c.SecretHash == "" || presented == "" {
		return ErrSecretMismatch
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(presented)); err != nil {
		return fmt.Errorf("%w: %w", ErrSecretMismatch, err)
	}
	return nil
}
