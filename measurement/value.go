package measurement

import (
	"fmt"
	"math"
	"strconv"
)

type ValueType uint8

// The numeric value of each type is persisted, append new types at the end.
const (
	Weight ValueType = iota
	BodyMassIndex
	BasalMetabolicRate
	WaterPercent
	MusclePercent
	FatPercent
	Glucose
	Meal
	BloodPressureSystolic
	BloodPressureDiastolic
	HeartRate

	valueTypeCount
)

var valueTypeNames = [...]string{
	"Weight",
	"BodyMassIndex",
	"BasalMetabolicRate",
	"WaterPercent",
	"MusclePercent",
	"FatPercent",
	"Glucose",
	"Meal",
	"BloodPressureSystolic",
	"BloodPressureDiastolic",
	"HeartRate",
}

var valueTypeKeys = [...]string{
	"weight",
	"bodyMassIndex",
	"basalMetabolicRate",
	"waterPercent",
	"musclePercent",
	"fatPercent",
	"glucose",
	"meal",
	"bloodPressureSystolic",
	"bloodPressureDiastolic",
	"heartRate",
}

func AllValueTypes() []ValueType {
	out := make([]ValueType, valueTypeCount)
	for i := range out {
		out[i] = ValueType(i)
	}

	return out
}

func (t ValueType) Valid() bool {
	return t < valueTypeCount
}

func (t ValueType) String() string {
	if !t.Valid() {
		return "ValueType(" + strconv.Itoa(int(t)) + ")"
	}

	return valueTypeNames[t]
}

// Key is the camelCase name used in serialized records.
func (t ValueType) Key() string {
	if !t.Valid() {
		return ""
	}

	return valueTypeKeys[t]
}

// ParseValueType accepts both the type name and its serialized key.
func ParseValueType(s string) (ValueType, error) {
	for i := range valueTypeNames {
		if valueTypeNames[i] == s || valueTypeKeys[i] == s {
			return ValueType(i), nil
		}
	}

	return 0, fmt.Errorf("unknown value type %q", s)
}

type MealIndicator uint8

const (
	NoIndication MealIndicator = iota
	NoMeal
	BeforeMeal
	AfterMeal
)

func (m MealIndicator) String() string {
	switch m {
	case NoIndication:
		return "NoIndication"
	case NoMeal:
		return "NoMeal"
	case BeforeMeal:
		return "BeforeMeal"
	case AfterMeal:
		return "AfterMeal"
	default:
		return "MealIndicator(" + strconv.Itoa(int(m)) + ")"
	}
}

func ParseMealIndicator(s string) (MealIndicator, error) {
	for m := NoIndication; m <= AfterMeal; m++ {
		if m.String() == s {
			return m, nil
		}
	}

	return 0, fmt.Errorf("unknown meal indicator %q", s)
}

// Value is a single typed reading. Integer-valued types keep whole numbers in Number; Meal uses
// the Meal field instead.
type Value struct {
	Type   ValueType
	Number float64
	Meal   MealIndicator
}

func NewWeight(kg float64) Value       { return Value{Type: Weight, Number: kg} }
func NewBodyMassIndex(v float64) Value { return Value{Type: BodyMassIndex, Number: v} }
func NewBasalMetabolicRate(v float64) Value {
	return Value{Type: BasalMetabolicRate, Number: v}
}
func NewWaterPercent(v float64) Value  { return Value{Type: WaterPercent, Number: v} }
func NewMusclePercent(v float64) Value { return Value{Type: MusclePercent, Number: v} }
func NewFatPercent(v float64) Value    { return Value{Type: FatPercent, Number: v} }
func NewGlucose(mgdl int) Value        { return Value{Type: Glucose, Number: float64(mgdl)} }
func NewMeal(m MealIndicator) Value    { return Value{Type: Meal, Meal: m} }
func NewBloodPressureSystolic(mmHg int) Value {
	return Value{Type: BloodPressureSystolic, Number: float64(mmHg)}
}
func NewBloodPressureDiastolic(mmHg int) Value {
	return Value{Type: BloodPressureDiastolic, Number: float64(mmHg)}
}
func NewHeartRate(bpm int) Value { return Value{Type: HeartRate, Number: float64(bpm)} }

func (t ValueType) integral() bool {
	switch t {
	case Glucose, BloodPressureSystolic, BloodPressureDiastolic, HeartRate:
		return true
	default:
		return false
	}
}

// Float returns the numeric representation stored alongside the type index.
func (v Value) Float() float64 {
	if v.Type == Meal {
		return float64(v.Meal)
	}

	return v.Number
}

// Int truncates the value, matching how integer readings are decoded.
func (v Value) Int() int {
	return int(v.Float())
}

// ValueFromFloat rebuilds a value from its persisted (type, number) pair.
func ValueFromFloat(t ValueType, x float64) (Value, error) {
	if !t.Valid() {
		return Value{}, fmt.Errorf("invalid value type %d", t)
	}

	switch {
	case t == Meal:
		if x < 0 || x > float64(AfterMeal) || x != math.Trunc(x) {
			return Value{}, fmt.Errorf("invalid meal indicator %v", x)
		}

		return NewMeal(MealIndicator(x)), nil
	case t.integral():
		return Value{Type: t, Number: math.Trunc(x)}, nil
	default:
		return Value{Type: t, Number: x}, nil
	}
}

func (v Value) String() string {
	switch {
	case v.Type == Meal:
		return fmt.Sprintf("%v(%v)", v.Type, v.Meal)
	case v.Type.integral():
		return fmt.Sprintf("%v(%d)", v.Type, v.Int())
	default:
		return fmt.Sprintf("%v(%.2f)", v.Type, v.Number)
	}
}
