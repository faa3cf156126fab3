package admission

import (
	"fmt"
	"math/rand/v2"
	"strconv"
)

// Challenge is one generated question with its exact expected answer.
// Answers are compared as raw trimmed strings, case-sensitive.
type Challenge struct {
	Question string
	Answer   string
}

// GenerateChallenge picks a random question family: arithmetic, sequence
// pattern, numeral-system conversion, word problem or time-of-day encoding.
func GenerateChallenge() Challenge {
	switch rand.IntN(5) {
	case 0:
		return arithmeticChallenge()
	case 1:
		return sequenceChallenge()
	case 2:
		return numeralChallenge()
	case 3:
		return wordChallenge()
	default:
		return clockChallenge()
	}
}

func arithmeticChallenge() Challenge {
	a := rand.IntN(50) + 10
	b := rand.IntN(40) + 10
	switch rand.IntN(3) {
	case 0:
		return Challenge{
			Question: fmt.Sprintf("%d + %d = ?", a, b),
			Answer:   strconv.Itoa(a + b),
		}
	case 1:
		if b > a {
			a, b = b, a
		}
		if a == 2*b {
			// keep the answer visually distinct from the operands
			a++
		}
		return Challenge{
			Question: fmt.Sprintf("%d - %d = ?", a, b),
			Answer:   strconv.Itoa(a - b),
		}
	default:
		a = rand.IntN(9) + 2
		b = rand.IntN(9) + 2
		return Challenge{
			Question: fmt.Sprintf("%d × %d = ?", a, b),
			Answer:   strconv.Itoa(a * b),
		}
	}
}

func sequenceChallenge() Challenge {
	start := rand.IntN(10) + 1
	step := rand.IntN(8) + 2
	return Challenge{
		Question: fmt.Sprintf("What number comes next: %d, %d, %d, %d, ?",
			start, start+step, start+2*step, start+3*step),
		Answer: strconv.Itoa(start + 4*step),
	}
}

func numeralChallenge() Challenge {
	n := rand.IntN(27) + 5
	return Challenge{
		Question: fmt.Sprintf("Convert %s from binary to decimal.", strconv.FormatInt(int64(n), 2)),
		Answer:   strconv.Itoa(n),
	}
}

func wordChallenge() Challenge {
	have := rand.IntN(12) + 3
	more := rand.IntN(9) + 2
	return Challenge{
		Question: fmt.Sprintf("Tom has %d apples and buys %d more. How many apples does Tom have?", have, more),
		Answer:   strconv.Itoa(have + more),
	}
}

func clockChallenge() Challenge {
	hour := rand.IntN(24)
	minute := rand.IntN(12) * 5
	return Challenge{
		Question: fmt.Sprintf("How many minutes past midnight is %02d:%02d?", hour, minute),
		Answer:   strconv.Itoa(hour*60 + minute),
	}
}
