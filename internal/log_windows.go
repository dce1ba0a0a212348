// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"github.com/sirupsen/logrus"

	"github.com/element-hq/identity/setup/config"
)

func checkSyslogHookParams(params map[string]interface{}) {
	logrus.Fatalf("Logging hook of type \"syslog\" is not supported on Windows")
}

func setupSyslogHook(hook config.LogrusHook, level logrus.Level) {}
