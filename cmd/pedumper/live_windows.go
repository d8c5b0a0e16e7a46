//go:build windows

package main

import (
	"github.com/ineffectivecoder/pedumper/pkg/dump"
	"github.com/ineffectivecoder/pedumper/pkg/winmem"
)

func liveProcesses() (dump.ProcessLister, error) {
	return winmem.LiveProcesses{}, nil
}
