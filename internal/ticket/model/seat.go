package model

// Seat class codes as the booking site names them.
const (
	SeatBusiness      = "9"
	SeatPremierFirst  = "P"
	SeatFirst         = "M"
	SeatSecond        = "O"
	SeatAdvancedSoft  = "6"
	SeatSoftSleeper   = "4"
	SeatFirstSleeper  = "I"
	SeatSecondSleeper = "J"
	SeatHardSleeper   = "3"
	SeatSoftSeat      = "2"
	SeatHardSeat      = "1"
	SeatNoSeat        = "WZ"
)

var seatLabels = map[string]string{
	SeatBusiness:      "商务座",
	SeatPremierFirst:  "优选一等座",
	SeatFirst:         "一等座",
	SeatSecond:        "二等座",
	SeatAdvancedSoft:  "高级软卧",
	SeatSoftSleeper:   "软卧",
	SeatFirstSleeper:  "一等卧",
	SeatSecondSleeper: "二等卧",
	SeatHardSleeper:   "硬卧",
	SeatSoftSeat:      "软座",
	SeatHardSeat:      "硬座",
	SeatNoSeat:        "无座",
}

// SeatLabel returns the display name of a seat class code, or the code itself.
func SeatLabel(code string) string {
	if l, ok := seatLabels[code]; ok {
		return l
	}
	return code
}

// KnownSeat reports whether code is a recognised seat class.
func KnownSeat(code string) bool {
	_, ok := seatLabels[code]
	return ok
}

// SeatCode maps a display name back to its code. The no-seat class shares the
// second-class order code on the site, so purchases for it use SeatSecond.
func SeatCode(label string) (string, bool) {
	for code, l := range seatLabels {
		if l == label {
			return code, true
		}
	}
	return "", false
}

// OrderSeatCode is the seat type submitted with an order for code.
func OrderSeatCode(code string) string {
	if code == SeatNoSeat {
		return SeatSecond
	}
	return code
}
