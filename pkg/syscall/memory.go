package syscall

// SysSbrk moves the program break by delta bytes and returns the old break,
// or -1.
func (d *Dispatcher) SysSbrk(delta int64) int64 {
	old, err := d.k.CurrentProcess().ChangeProgramBrk(delta)
	if err != nil {
		return -1
	}
	return int64(old)
}

// SysMmap maps [start, start+length) with the permissions in port.
func (d *Dispatcher) SysMmap(start, length, port uint64) int64 {
	if err := d.k.CurrentProcess().Mmap(start, length, port); err != nil {
		d.log.Debug("mmap rejected", "start", start, "len", length, "port", port, "error", err)
		return -1
	}
	return 0
}

// SysMunmap unmaps [start, start+length).
func (d *Dispatcher) SysMunmap(start, length uint64) int64 {
	if err := d.k.CurrentProcess().Munmap(start, length); err != nil {
		d.log.Debug("munmap rejected", "start", start, "len", length, "error", err)
		return -1
	}
	return 0
}
