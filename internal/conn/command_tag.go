package conn

import "unsafe"

// CommandTag is the status tag the backend reports for a completed command,
// e.g. "SELECT 5" or "INSERT 0 1".
type CommandTag []byte

// RowsAffected returns the number of rows affected. If the CommandTag was not
// for a row affecting command (e.g. "CREATE TABLE") then it returns 0.
func (ct CommandTag) RowsAffected() int64 {
	// Find last non-digit
	idx := -1
	for i := len(ct) - 1; i >= 0; i-- {
		if ct[i] >= '0' && ct[i] <= '9' {
			idx = i
		} else {
			break
		}
	}

	if idx == -1 {
		return 0
	}

	var n int64
	for _, b := range ct[idx:] {
		n = n*10 + int64(b-'0')
	}

	return n
}

func (ct CommandTag) String() string {
	return *(*string)(unsafe.Pointer(&ct))
}

// Insert is true if the command tag starts with "INSERT".
func (ct CommandTag) Insert() bool {
	return ct.prefix("INSERT")
}

// Update is true if the command tag starts with "UPDATE".
func (ct CommandTag) Update() bool {
	return ct.prefix("UPDATE")
}

// Delete is true if the command tag starts with "DELETE".
func (ct CommandTag) Delete() bool {
	return ct.prefix("DELETE")
}

// Select is true if the command tag starts with "SELECT".
func (ct CommandTag) Select() bool {
	return ct.prefix("SELECT")
}

// Copy is true if the command tag starts with "COPY".
func (ct CommandTag) Copy() bool {
	return ct.prefix("COPY")
}

func (ct CommandTag) prefix(s string) bool {
	if len(ct) < len(s) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if ct[i] != s[i] {
			return false
		}
	}
	return true
}
