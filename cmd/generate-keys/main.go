// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/element-hq/identity/test"
)

const usage = `Usage: %s

Generate the signing key which is required by the identity server.

Arguments:

`

var privateKeyFile = flag.String("private-key", "", "An Ed25519 private key to generate for signing associations and replication requests")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	if *privateKeyFile == "" {
		flag.Usage()
		return
	}

	if err := test.NewMatrixKey(*privateKeyFile); err != nil {
		panic(err)
	}
	fmt.Printf("Created private key file: %s\n", *privateKeyFile)
}
