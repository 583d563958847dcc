package gates

import (
	"regexp"
	"strconv"
)

// TestCounts holds parsed test totals. Zero counts with a known pass/fail
// verdict are valid: parsing is best-effort.
type TestCounts struct {
	Total  int
	Passed int
	Failed int
}

var (
	// pytest: "3 failed, 10 passed in 1.23s" / "12 passed in 0.5s"
	pytestFailed = regexp.MustCompile(`(\d+) failed`)
	pytestPassed = regexp.MustCompile(`(\d+) passed`)

	// jest: "Tests:       2 failed, 14 passed, 16 total"
	jestLine = regexp.MustCompile(`Tests:\s+(?:(\d+) failed, )?(?:(\d+) skipped, )?(\d+) passed, (\d+) total`)

	// mocha: "14 passing" / "2 failing"
	mochaPassing = regexp.MustCompile(`(\d+) passing`)
	mochaFailing = regexp.MustCompile(`(\d+) failing`)

	// cargo: "test result: ok. 10 passed; 0 failed;"
	cargoResult = regexp.MustCompile(`test result: \w+\. (\d+) passed; (\d+) failed`)

	// go test: one line per failing package plus "--- FAIL: TestX"
	goTestFail = regexp.MustCompile(`(?m)^--- FAIL: `)
	goTestPass = regexp.MustCompile(`(?m)^--- PASS: `)
	goTestRun  = regexp.MustCompile(`(?m)^=== RUN\s`)
)

// ParseTestCounts extracts (total, passed, failed) from gate output using
// the toolchain's reporting format.
func ParseTestCounts(tool Toolchain, output string) TestCounts {
	switch tool {
	case ToolPytest:
		c := TestCounts{
			Passed: firstInt(pytestPassed, output),
			Failed: firstInt(pytestFailed, output),
		}
		c.Total = c.Passed + c.Failed
		return c

	case ToolNpmTest:
		if m := jestLine.FindStringSubmatch(output); m != nil {
			c := TestCounts{
				Failed: atoi(m[1]),
				Passed: atoi(m[3]),
				Total:  atoi(m[4]),
			}
			return c
		}
		c := TestCounts{
			Passed: firstInt(mochaPassing, output),
			Failed: firstInt(mochaFailing, output),
		}
		c.Total = c.Passed + c.Failed
		return c

	case ToolCargo:
		var c TestCounts
		// Sum across workspace members; cargo prints one result line each.
		for _, m := range cargoResult.FindAllStringSubmatch(output, -1) {
			c.Passed += atoi(m[1])
			c.Failed += atoi(m[2])
		}
		c.Total = c.Passed + c.Failed
		return c

	case ToolGoTest:
		c := TestCounts{
			Passed: len(goTestPass.FindAllString(output, -1)),
			Failed: len(goTestFail.FindAllString(output, -1)),
		}
		if runs := len(goTestRun.FindAllString(output, -1)); runs > c.Passed+c.Failed {
			c.Total = runs
		} else {
			c.Total = c.Passed + c.Failed
		}
		return c
	}
	return TestCounts{}
}

func firstInt(re *regexp.Regexp, s string) int {
	if m := re.FindStringSubmatch(s); m != nil {
		return atoi(m[1])
	}
	return 0
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
