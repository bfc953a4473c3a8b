package main

import (
	"github.com/chzyer/flagly"
	"github.com/chzyer/flow"
	"github.com/chzyer/logex"

	"github.com/allmad/toyfs/internal/format"
)

type Mkfs struct {
	Device string `name:"device" desc:"path to the block device or regular file to format"`
	UUID   string `name:"uuid" desc:"device identity, parsed as a UUID"`
}

func (m *Mkfs) FlaglyDesc() string {
	return "create a fresh toyfs volume on a device or file"
}

func (m *Mkfs) FlaglyHandle(f *flow.Flow) error {
	defer f.Close()

	if m.Device == "" || m.UUID == "" {
		return logex.NewError("usage: mkfs --device <path> --uuid <uuid>")
	}

	dev, size, err := format.OpenDevice(m.Device)
	if err != nil {
		return logex.Trace(err)
	}
	defer dev.Close()

	if err := format.Format(dev, size, m.UUID); err != nil {
		return logex.Trace(err)
	}
	println("mkfs: formatted", m.Device, "size", size)
	return nil
}

func main() {
	mkfs := new(Mkfs)
	f := flow.New()

	flagly.Run(mkfs, f)

	if err := f.Wait(); err != nil {
		logex.Fatal(err)
	}
}
