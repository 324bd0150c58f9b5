package executor

import (
	"os"

	"github.com/caffeineduck/contractbox/shim"
)

// testShimEnv switches a test binary into the shim.
const testShimEnv = "CONTRACTBOX_TEST_SHIM"

// RunTestShim turns the current test binary into a contract shim when it was
// started by TestLauncher, and exits. Call it first thing in TestMain:
//
//	func TestMain(m *testing.M) {
//	    executor.RunTestShim()
//	    os.Exit(m.Run())
//	}
func RunTestShim() {
	if os.Getenv(testShimEnv) != "1" {
		return
	}
	os.Exit(shim.MainProcess(os.Args[1:]))
}

// TestLauncher re-executes the running test binary as the shim, so tests
// need no separately built binary.
func TestLauncher() Launcher {
	return &ExecLauncher{
		Path: os.Args[0],
		Env:  []string{testShimEnv + "=1"},
	}
}
