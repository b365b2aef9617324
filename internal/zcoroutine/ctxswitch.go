package zcoroutine

// Context is the one place that isolates fiber context switching.
// Real stackful-coroutine libraries hide assembly register/stack
// swapping behind exactly two operations: make(stack, entry) and
// swap(from, to). Go gives every goroutine its own managed stack and
// forbids manual stack/register manipulation, so the narrow
// "unsafe boundary" Design Notes calls for becomes a pair of
// unbuffered channels handing control back and forth between the
// owning worker goroutine and the fiber's own goroutine — a
// symmetric swap expressed in channels instead of assembly.
type Context struct {
	entry  func()
	resume chan struct{}
	yield  chan struct{}

	started bool
}

func newContext(entry func()) *Context {
	return &Context{
		entry:  entry,
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
	}
}

// swapIn transfers control to this context's goroutine (starting it
// on first use) and blocks until that goroutine yields or finishes.
func (c *Context) swapIn() {
	if !c.started {
		c.started = true
		go func() {
			<-c.resume
			c.entry()
			c.yield <- struct{}{}
		}()
	}
	c.resume <- struct{}{}
	<-c.yield
}

// swapOut is called from inside entry, on the context's own
// goroutine, to hand control back to whoever called swapIn and block
// until swapIn is called again.
func (c *Context) swapOut() {
	c.yield <- struct{}{}
	<-c.resume
}
