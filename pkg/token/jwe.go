// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"fmt"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/passgate/pkg/contracts"
)

// Encrypt wraps a signed JWT in a JWE for clients whose contract requests
// encrypted delivery. The recipient key comes from the client's registered
// JWKS; spec selects the key management and content encryption algorithms.
func Encrypt(signed string, spec *contracts.EncryptionSpec, recipient jose.JSONWebKey) (string, error) {
	encrypter, err := jose.NewEncrypter(
		jose.ContentEncryption(spec.Enc),
		jose.Recipient{
			Algorithm: jose.KeyAlgorithm(spec.Alg),
			Key:       recipient,
		},
		(&jose.EncrypterOptions{}).WithContentType("JWT").WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("building encrypter: %w", err)
	}
	obj, err := encrypter.Encrypt([]byte(signed))
	if err != nil {
		return "", fmt.Errorf("encrypting token: %w", err)
	}
	compact, err := obj.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("serializing jwe: %w", err)
	}
	return compact, nil
}
