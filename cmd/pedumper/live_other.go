//go:build !windows

package main

import (
	"fmt"

	"github.com/ineffectivecoder/pedumper/pkg/dump"
)

func liveProcesses() (dump.ProcessLister, error) {
	return nil, fmt.Errorf("live process mode is only available on Windows; use capture files (-f)")
}
