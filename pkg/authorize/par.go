// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"net/http"

	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/storage"
)

// PushAuthorization serves /par: the client authenticates, the parameters
// are validated exactly as they would be inline, and the stored request is
// redeemable once within its lifetime.
func (o *Orchestrator) PushAuthorization(ctx context.Context, r *http.Request) (*protocol.PARResponse, error) {
	if err := r.ParseForm(); err != nil {
		return nil, protocol.ErrInvalidRequest.WithDescription("malformed form body")
	}
	client, err := o.AuthenticateClient(ctx, r)
	if err != nil {
		return nil, err
	}
	if r.PostFormValue("request_uri") != "" {
		// RFC 9126 §2.1 forbids nesting a request_uri inside a PAR body.
		return nil, protocol.ErrInvalidRequest.WithDescription("request_uri cannot be pushed")
	}

	var req *storage.AuthRequest
	if raw := r.PostFormValue("request"); raw != "" {
		req, err = o.verifyRequestObject(ctx, parseAuthRequest(r.PostForm), raw)
		if err != nil {
			return nil, err
		}
	} else {
		req = parseAuthRequest(r.PostForm)
	}

	if req.ClientID == "" {
		req.ClientID = client.ClientID
	}
	if req.ClientID != client.ClientID {
		return nil, protocol.ErrInvalidRequest.WithDescription("client_id does not match the authenticated client")
	}
	if req.RedirectURI == "" || !client.HasRedirectURI(req.RedirectURI) {
		return nil, protocol.ErrInvalidRequest.WithDescription("redirect_uri is not registered")
	}

	pol, err := o.policyFor(client)
	if err != nil {
		return nil, err
	}
	// A pushed request satisfies require_par by definition.
	if verr := o.validateRequest(req, client, pol, true); verr != nil {
		return nil, verr
	}

	id, err := storage.NewID()
	if err != nil {
		return nil, err
	}
	if err := o.stores.PAR.Put(ctx, id, &storage.PARRecord{
		ClientID:  client.ClientID,
		Request:   *req,
		CreatedAt: o.now().UnixMilli(),
	}, storage.MaxPARTTL); err != nil {
		return nil, err
	}

	return &protocol.PARResponse{
		RequestURI: protocol.RequestURIPrefix + id,
		ExpiresIn:  int64(storage.MaxPARTTL.Seconds()),
	}, nil
}
