package machine

import (
	"errors"
	"testing"
	"time"
)

type nopFactory struct{}

func (nopFactory) NewMachine(binary []byte, opts Options) (Machine, error) { return nil, nil }
func (nopFactory) Fork(source Machine, opts ForkOptions) (Machine, error)  { return nil, nil }

func TestRegisterAndOpen(t *testing.T) {
	Register("test-driver", nopFactory{})
	f, err := Open("test-driver")
	if err != nil {
		t.Fatal(err)
	}
	if f == nil {
		t.Fatal("nil factory")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("does-not-exist")
	if !errors.Is(err, ErrNoDriver) {
		t.Fatalf("want ErrNoDriver, got %v", err)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate Register must panic")
		}
	}()
	Register("dup-driver", nopFactory{})
	Register("dup-driver", nopFactory{})
}

func TestTimeoutError(t *testing.T) {
	err := error(&TimeoutError{Timeout: 100 * time.Millisecond})
	if !IsTimeout(err) {
		t.Fatal("IsTimeout must match")
	}
	if IsFault(err) {
		t.Fatal("IsFault must not match a timeout")
	}
	wrapped := errors.Join(errors.New("ctx"), err)
	if !IsTimeout(wrapped) {
		t.Fatal("IsTimeout must see through wrapping")
	}
}

func TestFaultError(t *testing.T) {
	err := error(&FaultError{Msg: "page fault", Data: 0xDEAD})
	if !IsFault(err) {
		t.Fatal("IsFault must match")
	}
	if IsTimeout(err) {
		t.Fatal("IsTimeout must not match a fault")
	}
}
