package syscalls

import (
	"io"

	"github.com/PlanarG/OS/internal/kthread"
	"github.com/PlanarG/OS/internal/platform"
)

func has(flag, bit uintptr) bool { return flag&bit == bit }

func (d Deps) memory() Memory {
	return Memory{Table: kthread.Current().PageTable, Pool: d.Pool}
}

func (d Deps) open(namePtr, flag uintptr) int64 {
	name, ok := d.memory().ReadString(namePtr)
	if !ok || name == "" {
		return -1
	}
	if has(flag, OWRONLY) && has(flag, ORDWR) {
		return -1
	}

	exists := d.FS.Exists(name)
	var file platform.File
	var err error
	switch {
	case has(flag, OTRUNC) || (!exists && has(flag, OCREATE)):
		file, err = d.FS.Create(name)
	case exists:
		file, err = d.FS.Open(name)
	default:
		err = platform.ErrNoSuchFile
	}
	if err != nil {
		return -1
	}

	return int64(kthread.Current().AllocDescriptor(file, flag))
}

func (d Deps) close(fd uintptr) int64 {
	if fd <= FDStderr {
		return 0
	}
	desc, ok := kthread.Current().CloseDescriptor(int(fd))
	if !ok {
		return -1
	}
	d.FS.Close(desc.File)
	return 0
}

func (d Deps) read(fd, buffer, size uintptr) int64 {
	if size == 0 {
		return 0
	}
	mem := d.memory()
	if !mem.CheckBuffer(buffer, int(size)) {
		return -1
	}

	if fd == FDStdin {
		for i := uintptr(0); i < size; i++ {
			if !mem.WriteByte(buffer+i, d.Console.GetChar()) {
				return -1
			}
		}
		return int64(size)
	}

	desc, ok := kthread.Current().Descriptor(int(fd))
	if !ok || has(desc.Flags, OWRONLY) {
		return -1
	}

	buf := make([]byte, size)
	n, err := desc.File.Read(buf)
	if err != nil {
		if err == io.EOF {
			return 0
		}
		return -1
	}
	if !mem.WriteBuffer(buffer, buf[:n]) {
		return -1
	}
	return int64(n)
}

func (d Deps) write(fd, buffer, size uintptr) int64 {
	mem := d.memory()
	if !mem.CheckBuffer(buffer, int(size)) {
		return -1
	}

	if fd == FDStdout || fd == FDStderr {
		s, ok := mem.ReadString(buffer)
		if !ok {
			return -1
		}
		if uintptr(len(s)) > size {
			s = s[:size]
		}
		d.Console.Print(s)
		return int64(len(s))
	}

	desc, ok := kthread.Current().Descriptor(int(fd))
	if !ok || !(has(desc.Flags, OWRONLY) || has(desc.Flags, ORDWR)) {
		return -1
	}

	buf, ok := mem.ReadBuffer(buffer, int(size))
	if !ok {
		return -1
	}
	n, err := desc.File.Write(buf)
	if err != nil {
		return -1
	}
	return int64(n)
}

func (d Deps) remove(namePtr uintptr) int64 {
	name, ok := d.memory().ReadString(namePtr)
	if !ok {
		return -1
	}
	if err := d.FS.Remove(name); err != nil {
		return -1
	}
	return 0
}

func (d Deps) seek(fd, position uintptr) int64 {
	desc, ok := kthread.Current().Descriptor(int(fd))
	if !ok {
		return -1
	}
	pos, err := desc.File.Seek(int64(position), io.SeekStart)
	if err != nil {
		return -1
	}
	return pos
}

func (d Deps) tell(fd uintptr) int64 {
	desc, ok := kthread.Current().Descriptor(int(fd))
	if !ok {
		return -1
	}
	pos, err := desc.File.Tell()
	if err != nil {
		return -1
	}
	return pos
}

func (d Deps) fstat(fd, ptr uintptr) int64 {
	mem := d.memory()
	if !mem.CheckPointer(ptr) || !mem.CheckPointer(ptr+8) {
		return -1
	}
	desc, ok := kthread.Current().Descriptor(int(fd))
	if !ok {
		return -1
	}
	length, err := desc.File.Len()
	if err != nil {
		return -1
	}
	if !mem.WriteWord(ptr, desc.File.Ino()) || !mem.WriteWord(ptr+8, uint64(length)) {
		return -1
	}
	return 0
}
