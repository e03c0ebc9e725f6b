package captcha

import (
	"fmt"
	"math/rand/v2"
	"strconv"
)

type question struct {
	text   string
	answer string
}

var logicQuestions = []question{
	{"How many days are in a week?", "7"},
	{"What is the first letter of the alphabet?", "a"},
	{"How many colours are in a rainbow?", "7"},
	{"What is the capital of France?", "paris"},
	{"How many months are in a year?", "12"},
	{"How many hours are in a day?", "24"},
	{"How many fingers are on one hand?", "5"},
	{"How many seconds are in a minute?", "60"},
	{"Сколько дней в неделе?", "7"},
	{"Какая столица России?", "москва"},
}

func mathQuestion(r *rand.Rand) question {
	switch r.IntN(3) {
	case 0:
		a, b := 1+r.IntN(20), 1+r.IntN(20)
		return question{fmt.Sprintf("%d + %d = ?", a, b), strconv.Itoa(a + b)}
	case 1:
		a := 10 + r.IntN(41)
		b := 1 + r.IntN(a)
		return question{fmt.Sprintf("%d - %d = ?", a, b), strconv.Itoa(a - b)}
	default:
		a, b := 2+r.IntN(9), 2+r.IntN(9)
		return question{fmt.Sprintf("%d × %d = ?", a, b), strconv.Itoa(a * b)}
	}
}

func pickQuestion(r *rand.Rand) (question, string) {
	if r.IntN(2) == 0 {
		return mathQuestion(r), KindMath
	}
	return logicQuestions[r.IntN(len(logicQuestions))], KindLogic
}
