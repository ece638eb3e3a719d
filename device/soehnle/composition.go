package soehnle

import "math"

// UserProfile is the body profile stored on the scale for the active user.
type UserProfile struct {
	Age           uint8
	Female        bool
	HeightCm      uint16
	ActivityLevel uint8
}

func (u UserProfile) heightM() float64 {
	return float64(u.HeightCm) / 100
}

func (u UserProfile) BodyMassIndex(weight float64) float64 {
	return weight / math.Pow(u.heightM(), 2)
}

func (u UserProfile) BasalMetabolicRate(weight float64) float64 {
	h, a := float64(u.HeightCm), float64(u.Age)

	if u.Female {
		return 447.593 + 9.247*weight + 3.098*h - 4.330*a
	}

	return 88.362 + 13.397*weight + 4.799*h - 5.677*a
}

// activityCorrection picks the female or male factor for the activity levels 1-3, 4 and 5.
func (u UserProfile) activityCorrection(low, four, five [2]float64) float64 {
	sex := 1
	if u.Female {
		sex = 0
	}

	switch u.ActivityLevel {
	case 1, 2, 3:
		return low[sex]
	case 4:
		return four[sex]
	case 5:
		return five[sex]
	default:
		return 0
	}
}

func (u UserProfile) WaterPercent(weight, imp50 float64) float64 {
	acf := u.activityCorrection([2]float64{0, 2.83}, [2]float64{0.4, 3.93}, [2]float64{1.4, 5.33})
	h, a := float64(u.HeightCm), float64(u.Age)

	return (0.3674*h*h/imp50 + 0.17530*weight - 0.11*a + (6.53 + acf)) / weight * 100
}

func (u UserProfile) MusclePercent(weight, imp5, imp50 float64) float64 {
	acf := u.activityCorrection([2]float64{0, 3.6224}, [2]float64{0, 4.3904}, [2]float64{1.664, 5.4144})
	h, a := float64(u.HeightCm), float64(u.Age)

	return ((0.47027/imp50-0.24196/imp5)*h*h + 0.13796*weight - 0.1152*a + (5.12 + acf)) /
		weight * 100
}

func (u UserProfile) FatPercent(weight, imp50 float64) float64 {
	acf := u.activityCorrection([2]float64{0, 0}, [2]float64{2.3, 2.5}, [2]float64{4.1, 4.3})

	sexCorrection, div := 0.250, 65.5
	if u.Female {
		sexCorrection, div = 0.214, 55.1
	}

	return 1.847*weight/math.Pow(u.heightM(), 2) + sexCorrection*float64(u.Age) + 0.062*imp50 -
		(div - acf)
}
