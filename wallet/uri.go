// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"net/url"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/hdwallet/pkg/unit"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// PaymentURI builds a BIP21 "bitcoin:" URI for an external address of the
// account, the next unused one when no index is given. The amount is
// rendered in BTC and empty label or message fields are omitted.
func (a *Account) PaymentURI(index fn.Option[uint32],
	amount fn.Option[btcutil.Amount], label, message string) (string,
	error) {

	info, err := a.Address(index)
	if err != nil {
		return "", err
	}

	var params []string
	if amount.IsSome() {
		btc, err := unit.FromAmount(amount.UnsafeFromSome(), unit.BTC)
		if err != nil {
			return "", err
		}
		params = append(params, "amount="+btc.String())
	}
	if label != "" {
		params = append(params, "label="+uriEscape(label))
	}
	if message != "" {
		params = append(params, "message="+uriEscape(message))
	}

	uri := "bitcoin:" + info.Address.EncodeAddress()
	if len(params) > 0 {
		uri += "?" + strings.Join(params, "&")
	}

	return uri, nil
}

// uriEscape percent-encodes a query value, spaces included.
func uriEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
