package main

// Execute dispatches a parsed Command against storage and formats the
// wire reply, matching the command -> store operation -> reply string
// table in SPEC_FULL.md §4.4. It never retains storage beyond the call.
func (c *Command) Execute(storage Storage) string {
	switch c.Verb {
	case CmdSet:
		switch storage.Put(c.Key, string(c.Body)) {
		case Stored:
			return replyStored
		default:
			return replyTooLarge
		}

	case CmdAdd:
		switch storage.PutIfAbsent(c.Key, string(c.Body)) {
		case Stored:
			return replyStored
		case Rejected:
			return replyTooLarge
		default:
			return replyNotStored
		}

	case CmdReplace:
		if _, ok := storage.Get(c.Key); !ok {
			return replyNotStored
		}
		switch storage.Set(c.Key, string(c.Body)) {
		case Stored:
			return replyStored
		default:
			return replyNotStored
		}

	case CmdAppend:
		old, ok := storage.Get(c.Key)
		if !ok {
			return replyNotStored
		}
		switch storage.Put(c.Key, old+string(c.Body)) {
		case Stored:
			return replyStored
		default:
			return replyTooLarge
		}

	case CmdDelete:
		if storage.Delete(c.Key) {
			return replyDeleted
		}
		return replyNotFound

	case CmdGet:
		return c.executeGet(storage)

	case CmdVersion:
		return "VERSION " + buildVersion

	default:
		return replyError
	}
}

// executeGet emits "VALUE <k> 0 <n>\r\n<v>\r\n" for each hit, in request
// order, followed by "END", per SPEC_FULL.md §4.2/§4.4. Flags are always
// reported as 0 since the store carries no flags.
func (c *Command) executeGet(storage Storage) string {
	var out []byte
	for _, key := range c.Keys {
		value, ok := storage.Get(key)
		if !ok {
			continue
		}
		out = append(out, "VALUE "...)
		out = append(out, key...)
		out = append(out, " 0 "...)
		out = appendInt(out, len(value))
		out = append(out, "\r\n"...)
		out = append(out, value...)
		out = append(out, "\r\n"...)
	}
	out = append(out, replyEnd...)
	return string(out)
}

// appendInt avoids strconv's allocation for the small non-negative lengths
// get responses need.
func appendInt(dst []byte, n int) []byte {
	if n == 0 {
		return append(dst, '0')
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return append(dst, buf[i:]...)
}
